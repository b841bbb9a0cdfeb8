package socket

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// EventKind tags the payload of a socket message.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventBreak
	EventAccept
	EventRecv
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventBreak:
		return "break"
	case EventAccept:
		return "accept"
	case EventRecv:
		return "recv"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

const eventHeaderSize = 9

// Event is the decoded payload of a kernel.MsgSocket message. The message
// session always equals ID.
//
// Data holds the received bytes for Recv and the OS error text for Error. A
// Connected event with non-empty Data reports a failed connect. NewID is set
// only for Accept.
type Event struct {
	Kind  EventKind
	ID    int32
	NewID int32
	Data  []byte
}

// Err returns the error carried by Error and failed Connected events.
func (e Event) Err() error {
	if (e.Kind == EventError || e.Kind == EventConnected) && len(e.Data) > 0 {
		return &OsError{Op: e.Kind.String(), Msg: string(e.Data)}
	}
	return nil
}

// Encode lays the event out as kind, id, new id (little endian) and data.
func (e Event) Encode() []byte {
	buf := make([]byte, eventHeaderSize+len(e.Data))
	buf[0] = byte(e.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(e.ID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(e.NewID))
	copy(buf[eventHeaderSize:], e.Data)
	return buf
}

// DecodeEvent parses a socket message payload. Data aliases payload.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) < eventHeaderSize {
		return Event{}, errors.Errorf("socket: event payload too short (%d bytes)", len(payload))
	}
	ev := Event{
		Kind:  EventKind(payload[0]),
		ID:    int32(binary.LittleEndian.Uint32(payload[1:5])),
		NewID: int32(binary.LittleEndian.Uint32(payload[5:9])),
	}
	if ev.Kind > EventError {
		return Event{}, errors.Errorf("socket: unknown event kind %d", payload[0])
	}
	if len(payload) > eventHeaderSize {
		ev.Data = payload[eventHeaderSize:]
	}
	return ev, nil
}
