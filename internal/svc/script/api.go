package script

import (
	"hive/internal/kernel"
	"hive/internal/logger"
	"hive/internal/socket"
	"hive/internal/svc"

	"github.com/dop251/goja"
)

// api builds the hive global.
func (a *Actor) api() *goja.Object {
	vm := a.vm
	o := vm.NewObject()
	set := func(name string, v any) {
		if err := o.Set(name, v); err != nil {
			panic(err)
		}
	}

	set("start", a.start)
	set("register", a.register)
	set("unregister", a.unregister)
	set("send", a.send)
	set("exit", func(goja.FunctionCall) goja.Value {
		a.host.Exit()
		return goja.Undefined()
	})
	set("name", func(goja.FunctionCall) goja.Value { return vm.ToValue(a.name) })
	set("self", func(goja.FunctionCall) goja.Value { return vm.ToValue(uint32(a.self)) })
	set("log", a.log)
	set("timeout", a.timeout)
	set("socketListen", a.socketListen)
	set("socketConnect", a.socketConnect)
	set("socketAttach", a.socketAttach)
	set("socketSend", a.socketSend)
	set("socketClose", a.socketClose)
	set("socketAddrInfo", a.socketAddrInfo)
	set("toString", a.toString)

	for name, v := range map[string]int{
		"CREATE":       int(kernel.MsgCreate),
		"RELEASE":      int(kernel.MsgRelease),
		"TIMER":        int(kernel.MsgTimer),
		"SOCKET":       int(kernel.MsgSocket),
		"NORMAL":       int(kernel.MsgNormal),
		"SE_CONNECTED": int(socket.EventConnected),
		"SE_BREAK":     int(socket.EventBreak),
		"SE_ACCEPT":    int(socket.EventAccept),
		"SE_RECV":      int(socket.EventRecv),
		"SE_ERROR":     int(socket.EventError),
		"LOG_DEBUG":    int(logger.DEBUG),
		"LOG_INFO":     int(logger.INFO),
		"LOG_WARN":     int(logger.WARN),
		"LOG_ERROR":    int(logger.ERROR),
	} {
		set(name, v)
	}
	return o
}

func (a *Actor) start(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(a.vm.NewTypeError("hive.start requires a function"))
	}
	a.dispatch = fn
	return goja.Undefined()
}

func (a *Actor) handleArg(call goja.FunctionCall, i int) kernel.Handle {
	v := call.Argument(i).ToInteger()
	if v < 0 || v > 0xffffffff {
		panic(a.vm.NewTypeError("invalid actor handle %d", v))
	}
	return kernel.Handle(v)
}

// register throws when the script cannot be loaded.
func (a *Actor) register(call goja.FunctionCall) goja.Value {
	path := call.Argument(0)
	if goja.IsUndefined(path) || goja.IsNull(path) {
		return goja.Null()
	}
	name := path.String()
	if n := call.Argument(1); !goja.IsUndefined(n) && !goja.IsNull(n) {
		name = n.String()
	}
	h, err := a.host.Register(path.String(), name)
	if err != nil {
		panic(a.vm.NewGoError(err))
	}
	return a.vm.ToValue(uint32(h))
}

func (a *Actor) unregister(call goja.FunctionCall) goja.Value {
	return a.vm.ToValue(a.host.Unregister(a.handleArg(call, 0)) == nil)
}

// send(target, session, data) queues a Normal message. target may be a
// handle or a registered name.
func (a *Actor) send(call goja.FunctionCall) goja.Value {
	var target kernel.Handle
	if t := call.Argument(0); isString(t) {
		h, ok := a.host.ActorByName(t.String())
		if !ok {
			return a.vm.ToValue(false)
		}
		target = h
	} else {
		target = a.handleArg(call, 0)
	}
	session := int32(call.Argument(1).ToInteger())
	data, err := toBytes(call.Argument(2))
	if err != nil {
		panic(a.vm.NewTypeError(err.Error()))
	}
	err = a.host.Send(a.self, target, kernel.MsgNormal, session, data)
	if err != nil {
		log.Debugf("script %s: send to %d: %v", a.name, target, err)
	}
	return a.vm.ToValue(err == nil)
}

// log(level, msg) goes to the log actor when there is one.
func (a *Actor) log(call goja.FunctionCall) goja.Value {
	level := logger.Level(call.Argument(0).ToInteger())
	msg := call.Argument(1).String()
	if level < logger.DEBUG || level >= logger.NONE {
		panic(a.vm.NewTypeError("invalid log level %d", int64(level)))
	}
	if !svc.Log(a.host, a.self, level, msg) {
		if level == logger.FATAL {
			level = logger.ERROR
		}
		log.Log(level, a.name+": "+msg)
	}
	return goja.Undefined()
}

func (a *Actor) timeout(call goja.FunctionCall) goja.Value {
	return a.vm.ToValue(a.host.Timeout(int(call.Argument(0).ToInteger()), a.self))
}

func (a *Actor) socketListen(call goja.FunctionCall) goja.Value {
	host, port := call.Argument(0).String(), int(call.Argument(1).ToInteger())
	id, err := a.host.SocketListen(host, port, a.self)
	if err != nil {
		log.Debugf("script %s: listen %s:%d: %v", a.name, host, port, err)
		return goja.Null()
	}
	return a.vm.ToValue(id)
}

func (a *Actor) socketConnect(call goja.FunctionCall) goja.Value {
	host, port := call.Argument(0).String(), int(call.Argument(1).ToInteger())
	id, err := a.host.SocketConnect(host, port, a.self)
	if err != nil {
		log.Debugf("script %s: connect %s:%d: %v", a.name, host, port, err)
		return goja.Null()
	}
	return a.vm.ToValue(id)
}

// socketAttach(id[, owner]) defaults owner to the calling actor.
func (a *Actor) socketAttach(call goja.FunctionCall) goja.Value {
	owner := a.self
	if o := call.Argument(1); !goja.IsUndefined(o) && !goja.IsNull(o) {
		owner = a.handleArg(call, 1)
	}
	id := int32(call.Argument(0).ToInteger())
	return a.vm.ToValue(a.host.SocketAttach(id, owner) == nil)
}

func (a *Actor) socketSend(call goja.FunctionCall) goja.Value {
	data, err := toBytes(call.Argument(1))
	if err != nil {
		panic(a.vm.NewTypeError(err.Error()))
	}
	id := int32(call.Argument(0).ToInteger())
	return a.vm.ToValue(a.host.SocketSend(id, data) == nil)
}

func (a *Actor) socketClose(call goja.FunctionCall) goja.Value {
	return a.vm.ToValue(a.host.SocketClose(int32(call.Argument(0).ToInteger())) == nil)
}

func (a *Actor) socketAddrInfo(call goja.FunctionCall) goja.Value {
	host, port, err := a.host.SocketAddrInfo(int32(call.Argument(0).ToInteger()))
	if err != nil {
		return goja.Null()
	}
	o := a.vm.NewObject()
	_ = o.Set("host", host)
	_ = o.Set("port", port)
	return o
}

func (a *Actor) toString(call goja.FunctionCall) goja.Value {
	data, err := toBytes(call.Argument(0))
	if err != nil {
		panic(a.vm.NewTypeError(err.Error()))
	}
	return a.vm.ToValue(string(data))
}
