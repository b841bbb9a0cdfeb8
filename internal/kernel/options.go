package kernel

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
)

type kernelOptions struct {
	workers        int
	pollInterval   time.Duration
	shutdownGrace  time.Duration
	actorCap       int
	mailboxCap     int
	readyQueueSize int
	failureRates   map[time.Duration]int
}

// Option configures a Kernel.
type Option interface {
	applyKernel(*kernelOptions) error
}

type optionFunc func(*kernelOptions) error

func (f optionFunc) applyKernel(o *kernelOptions) error { return f(o) }

// WithWorkers sets the size of the worker pool started by Run.
func WithWorkers(n int) Option {
	return optionFunc(func(o *kernelOptions) error {
		if n <= 0 {
			return errors.Errorf("kernel: worker count must be positive, got %d", n)
		}
		o.workers = n
		return nil
	})
}

// WithPollInterval sets how long an idle worker sleeps before polling the
// ready queue again.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(o *kernelOptions) error {
		if d < 0 {
			return errors.Errorf("kernel: negative poll interval %v", d)
		}
		o.pollInterval = d
		return nil
	})
}

// WithShutdownGrace bounds how long Run waits for actors to finish their
// Release callbacks once its context is done.
func WithShutdownGrace(d time.Duration) Option {
	return optionFunc(func(o *kernelOptions) error {
		o.shutdownGrace = d
		return nil
	})
}

// WithInitialCapacity presizes the actor table. Rounded up to a power of two.
func WithInitialCapacity(n int) Option {
	return optionFunc(func(o *kernelOptions) error {
		if n > MaxActorSlots {
			return errors.Wrapf(ErrCapacityExceeded, "initial capacity %d", n)
		}
		o.actorCap = n
		return nil
	})
}

// WithMailboxCapacity sets the initial ring size of new mailboxes.
func WithMailboxCapacity(n int) Option {
	return optionFunc(func(o *kernelOptions) error {
		o.mailboxCap = n
		return nil
	})
}

// WithReadyQueueSize sets the ready ring size; it must be a power of two.
func WithReadyQueueSize(n int) Option {
	return optionFunc(func(o *kernelOptions) error {
		if n <= 1 || n&(n-1) != 0 {
			return errors.Errorf("kernel: ready queue size %d is not a power of two", n)
		}
		o.readyQueueSize = n
		return nil
	})
}

// WithFailureLogRates sets the catrate windows used to throttle logging of
// failing actor callbacks, keyed per actor.
func WithFailureLogRates(rates map[time.Duration]int) Option {
	return optionFunc(func(o *kernelOptions) error {
		o.failureRates = rates
		return nil
	})
}

func resolveOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		workers:        runtime.GOMAXPROCS(0),
		pollInterval:   100 * time.Microsecond,
		shutdownGrace:  5 * time.Second,
		actorCap:       defaultActorCap,
		mailboxCap:     defaultMailboxCap,
		readyQueueSize: defaultReadyQueueSize,
		failureRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
