package svc

import (
	"hive/internal/kernel"
	"hive/internal/logger"
)

var log = logger.NewLogger("svc", kernel.SystemLogLevel())

// Reply answers req with the same session. Failures are only logged since the
// requester may have gone away.
func Reply(ctx *kernel.ActCtx, req kernel.Message, payload []byte) {
	if req.Source == kernel.SysHandle {
		return
	}
	if err := ctx.Reply(req, payload); err != nil {
		log.Debugf("reply from %d to %d dropped: %v", ctx.Self, req.Source, err)
	}
}

// Router finds actors by name and sends to them. kernel.IKernel and
// *hive.Hive both satisfy it.
type Router interface {
	ActorByName(name string) (kernel.Handle, bool)
	Send(source, target kernel.Handle, typ kernel.MessageType, session int32, payload []byte) error
}

// Log hands msg to the log actor with the level as session. It reports false
// when no log actor is registered or it refused the message.
func Log(k Router, source kernel.Handle, level logger.Level, msg string) bool {
	h, ok := k.ActorByName(LogService)
	if !ok {
		return false
	}
	return k.Send(source, h, kernel.MsgNormal, int32(level), []byte(msg)) == nil
}
