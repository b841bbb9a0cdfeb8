//go:build linux || darwin

package socket

import (
	"sync/atomic"

	"hive/internal/kernel"
	"hive/internal/spinlock"
)

// SlotCount is the number of socket slots; id & (SlotCount-1) selects one.
const SlotCount = 1 << 16

// State is a socket slot's lifecycle stage.
type State int32

const (
	StateInvalid State = iota
	StatePrepare
	StateListen
	StateConnecting
	StateForward
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StatePrepare:
		return "prepare"
	case StateListen:
		return "listen"
	case StateConnecting:
		return "connecting"
	case StateForward:
		return "forward"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type ioEvents uint32

const (
	eventRead ioEvents = 1 << iota
	eventWrite
	eventError
	eventHangup
)

type readyEvent struct {
	fd     int
	events ioEvents
}

// slot is one socket. state is atomic so a free slot can be claimed with a
// CAS; every other field is guarded by lock.
type slot struct {
	state atomic.Int32

	lock     spinlock.Lock
	id       int32
	fd       int
	owner    kernel.Handle
	listener bool
	accepted bool
	// registered with the poller, and whether write interest is armed
	registered bool
	writing    bool
	// pending writes; the first block may be partially sent (woff)
	wbuf [][]byte
	woff int
	// error from an inline write, reported by the I/O goroutine
	werr error
	// Close arrived while connecting with writes queued
	closeAfterConnect bool
}

func (s *slot) load() State { return State(s.state.Load()) }

func (s *slot) set(st State) { s.state.Store(int32(st)) }

// valid reports whether s still belongs to id. Caller holds lock.
func (s *slot) valid(id int32) bool {
	return s.id == id && s.load() != StateInvalid
}

func (s *slot) pending() int {
	n := 0
	for i, b := range s.wbuf {
		if i == 0 {
			n += len(b) - s.woff
		} else {
			n += len(b)
		}
	}
	return n
}
