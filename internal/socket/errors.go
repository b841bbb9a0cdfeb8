package socket

import "github.com/pkg/errors"

var (
	// ErrInvalidSocketID is returned for ids that are unknown, stale, or in a
	// state that does not allow the requested operation.
	ErrInvalidSocketID = errors.New("socket: invalid socket id")
	// ErrSlotsExhausted is returned when every slot is in use.
	ErrSlotsExhausted = errors.New("socket: no free socket slot")
	// ErrManagerClosed is returned once the manager's Run loop has exited.
	ErrManagerClosed = errors.New("socket: manager closed")
)

// OsError carries an operating system failure. Synchronous calls return it
// wrapped; asynchronous failures reach the owning actor as event text.
type OsError struct {
	Op  string
	Msg string
	Err error
}

func (e *OsError) Error() string {
	if e.Err != nil {
		return "socket: " + e.Op + ": " + e.Err.Error()
	}
	return "socket: " + e.Op + ": " + e.Msg
}

func (e *OsError) Unwrap() error { return e.Err }

func osError(op string, err error) error {
	return &OsError{Op: op, Msg: err.Error(), Err: err}
}
