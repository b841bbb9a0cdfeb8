package kernel

import "github.com/pkg/errors"

var (
	// ErrUnknownActor is returned for handles that are not registered or whose
	// actor is already being released.
	ErrUnknownActor = errors.New("kernel: unknown actor")
	// ErrCapacityExceeded is returned when the actor table cannot grow further.
	ErrCapacityExceeded = errors.New("kernel: actor capacity exceeded")
	// ErrKernelClosed is returned by Register once shutdown has started.
	ErrKernelClosed = errors.New("kernel: closed")
)
