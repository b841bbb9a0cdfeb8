package kernel

import (
	"context"
	"sync"
	"time"

	"hive/internal/logger"

	"github.com/joeycumines/go-catrate"
	"github.com/pkg/errors"
)

var log = logger.NewLogger("kernel", SystemLogLevel())

// Kernel owns the actor table, the ready queue and the worker pool. The zero
// value is not usable; create one with New.
type Kernel struct {
	opts    *kernelOptions
	reg     *registry
	ready   *readyQueue
	limiter *catrate.Limiter
}

func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		opts:  cfg,
		reg:   newRegistry(cfg.actorCap),
		ready: newReadyQueue(cfg.readyQueueSize),
	}
	if len(cfg.failureRates) != 0 {
		k.limiter = catrate.NewLimiter(cfg.failureRates)
	}
	return k, nil
}

// Register adds an actor and queues its Create message before returning, so
// Create is always the first message the actor sees.
func (k *Kernel) Register(name string, actor Actor) (Handle, error) {
	if actor == nil {
		return 0, errors.New("kernel: nil actor")
	}
	p := &proc{
		name:      name,
		actor:     actor,
		mbox:      newMailbox(k.opts.mailboxCap),
		scheduled: true,
	}
	p.mbox.push(Message{Source: SysHandle, Type: MsgCreate})
	h, err := k.reg.insert(p)
	if err != nil {
		return 0, errors.Wrapf(err, "register %q", name)
	}
	k.ready.enqueue(p)
	log.Debugf("registered actor %d (%s)", h, name)
	return h, nil
}

// Unregister marks the actor releasing and schedules it so the Release
// message is delivered even when its mailbox is empty. Repeated calls are
// no-ops.
func (k *Kernel) Unregister(h Handle) error {
	p := k.reg.lookup(h)
	if p == nil {
		return errors.Wrapf(ErrUnknownActor, "unregister %d", h)
	}
	p.lock.Lock()
	if p.releasing {
		p.lock.Unlock()
		return nil
	}
	p.releasing = true
	if p.scheduled {
		p.lock.Unlock()
		return nil
	}
	p.scheduled = true
	p.lock.Unlock()
	k.ready.enqueue(p)
	return nil
}

// Send queues a message for target. The source must be a live actor or
// SysHandle. On success the payload belongs to the receiver.
func (k *Kernel) Send(source, target Handle, typ MessageType, session int32, payload []byte) error {
	var src *proc
	if source != SysHandle {
		if src = k.reg.lookup(source); src == nil {
			return errors.Wrapf(ErrUnknownActor, "source %d", source)
		}
	}
	p := k.reg.lookup(target)
	if p == nil {
		return errors.Wrapf(ErrUnknownActor, "target %d", target)
	}
	msg := Message{Source: source, Type: typ, Session: session, Payload: payload}
	p.lock.Lock()
	if p.releasing {
		p.lock.Unlock()
		return errors.Wrapf(ErrUnknownActor, "target %d is releasing", target)
	}
	p.mbox.push(msg)
	if p.scheduled {
		p.lock.Unlock()
	} else {
		p.scheduled = true
		p.lock.Unlock()
		k.ready.enqueue(p)
	}
	if src != nil {
		src.sent.Add(1)
	}
	return nil
}

func (k *Kernel) Lookup(h Handle) (Actor, bool) {
	p := k.reg.lookup(h)
	if p == nil {
		return nil, false
	}
	return p.actor, true
}

// Name→Handle lookup helpers
func (k *Kernel) ActorByName(name string) (Handle, bool) {
	return k.reg.byName(name)
}

// Len is the number of registered actors, including ones being released.
func (k *Kernel) Len() int {
	return k.reg.len()
}

func (k *Kernel) Actors() []ActorInfo {
	procs := k.reg.snapshot()
	out := make([]ActorInfo, len(procs))
	for i, p := range procs {
		out[i] = p.info()
	}
	return out
}

// DispatchOnce runs at most one message for one ready actor. Workers call it
// in a loop; it is exported so embedders and tests can drive the kernel by
// hand.
func (k *Kernel) DispatchOnce() DispatchResult {
	p := k.ready.dequeue()
	if p == nil {
		return Idle
	}
	ctx := &ActCtx{K: k, Self: p.handle, Name: p.name}

	p.lock.Lock()
	releasing := p.releasing
	p.lock.Unlock()

	if releasing {
		k.invoke(p, ctx, Message{Source: SysHandle, Type: MsgRelease})
		k.reg.remove(p)
		if dropped := p.mbox.drain(); dropped > 0 {
			log.Debugf("actor %d (%s) released with %d undelivered messages", p.handle, p.name, dropped)
		}
		return Released
	}

	if msg, _, ok := p.mbox.pop(); ok {
		k.invoke(p, ctx, msg)
	}
	k.finish(p)
	return Dispatched
}

// finish either hands the actor back to the ready queue or clears its
// scheduled flag. The flag stays set for the whole run so a concurrent Send
// never creates a second entry.
func (k *Kernel) finish(p *proc) {
	p.lock.Lock()
	if p.releasing || p.mbox.len() > 0 {
		p.lock.Unlock()
		k.ready.enqueue(p)
		return
	}
	p.scheduled = false
	p.lock.Unlock()
}

func (k *Kernel) invoke(p *proc, ctx *ActCtx, msg Message) {
	start := time.Now()
	defer func() {
		p.cpuMicros.Add(uint64(time.Since(start).Microseconds()))
		if r := recover(); r != nil {
			k.reportFailure(p, msg, errors.Errorf("panic: %v", r))
		}
	}()
	p.dispatched.Add(1)
	if err := p.actor.Dispatch(ctx, msg); err != nil {
		k.reportFailure(p, msg, err)
	}
}

func (k *Kernel) reportFailure(p *proc, msg Message, err error) {
	p.failures.Add(1)
	if _, ok := k.limiter.Allow(p.handle); !ok {
		return
	}
	log.Errorf("actor %d (%s) failed on %s message from %d (session %d): %v",
		p.handle, p.name, msg.Type, msg.Source, msg.Session, err)
}

// Run starts the worker pool and blocks until ctx is done. It then releases
// every actor and keeps dispatching until the table is empty or the shutdown
// grace period has passed.
func (k *Kernel) Run(ctx context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < k.opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.worker(stop)
		}()
	}
	log.Infof("kernel started with %d workers", k.opts.workers)

	<-ctx.Done()
	k.Shutdown()

	close(stop)
	wg.Wait()
	return nil
}

func (k *Kernel) worker(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if k.DispatchOnce() == Idle {
			time.Sleep(k.opts.pollInterval)
		}
	}
}

// Shutdown stops new registrations, unregisters every actor and waits for
// the workers to tear them down. It returns once the table is empty or the
// grace period expires.
func (k *Kernel) Shutdown() {
	live, first := k.reg.close()
	if !first {
		return
	}
	for _, p := range live {
		_ = k.Unregister(p.handle)
	}
	deadline := time.Now().Add(k.opts.shutdownGrace)
	for k.reg.len() > 0 {
		if time.Now().After(deadline) {
			log.Warnf("shutdown grace expired with %d actors still registered", k.reg.len())
			k.LogStatus()
			return
		}
		time.Sleep(time.Millisecond)
	}
	log.Infof("kernel stopped")
}

func (k *Kernel) LogStatus() {
	actors := k.Actors()
	log.Infof("actors=%d ready=%d", len(actors), k.ready.len())
	for _, a := range actors {
		log.Infof("  - handle=%4d name=%-12s pending=%5d cpu(μs) %8d ipc(in=%d out=%d) failures=%d",
			a.Handle, a.Name, a.Pending, a.CPUMicros, a.Dispatched, a.Sent, a.Failures)
	}
}
