package kernel

import "fmt"

// Handle identifies a registered actor. Handles are reused only after the
// actor owning them has been torn down.
type Handle uint32

// SysHandle is the source of messages the kernel itself produces (timer and
// socket events, Create and Release).
const SysHandle Handle = 0

type MessageType uint8

const (
	MsgCreate MessageType = iota
	MsgRelease
	MsgTimer
	MsgSocket
	MsgNormal
)

func (t MessageType) String() string {
	switch t {
	case MsgCreate:
		return "create"
	case MsgRelease:
		return "release"
	case MsgTimer:
		return "timer"
	case MsgSocket:
		return "socket"
	case MsgNormal:
		return "normal"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Message is the unit of delivery. Payload ownership moves with the message:
// a sender must not touch the slice after Send returns.
type Message struct {
	Source  Handle
	Type    MessageType
	Session int32
	Payload []byte
}

// Actor is the callback side of an actor. Dispatch is never invoked
// concurrently for the same actor. A returned error is logged and the actor
// keeps running.
type Actor interface {
	Dispatch(ctx *ActCtx, msg Message) error
}

// Handler adapts a plain function to Actor.
type Handler func(ctx *ActCtx, msg Message) error

func (h Handler) Dispatch(ctx *ActCtx, msg Message) error { return h(ctx, msg) }

// IKernel is what an actor sees of the kernel it runs in.
type IKernel interface {
	Register(name string, actor Actor) (Handle, error)
	Unregister(h Handle) error
	Send(source, target Handle, typ MessageType, session int32, payload []byte) error
	ActorByName(name string) (Handle, bool)
}

// ActorInfo is a point-in-time view of one actor, used by status output and
// the control plane.
type ActorInfo struct {
	Handle     Handle `json:"handle"`
	Name       string `json:"name,omitempty"`
	Pending    int    `json:"pending"`
	Dispatched uint64 `json:"dispatched"`
	Sent       uint64 `json:"sent"`
	CPUMicros  uint64 `json:"cpu_us"`
	Failures   uint64 `json:"failures"`
	Releasing  bool   `json:"releasing,omitempty"`
}

// DispatchResult reports what one DispatchOnce call did.
type DispatchResult int

const (
	Idle DispatchResult = iota
	Dispatched
	Released
)
