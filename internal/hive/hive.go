// Package hive ties the kernel, the socket manager and the timer wheel into
// one process context and resolves actor paths to actor kinds.
package hive

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hive/internal/kernel"
	"hive/internal/logger"
	"hive/internal/socket"
	"hive/internal/timer"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var log = logger.NewLogger("hive", kernel.SystemLogLevel())

// ErrNoFactory is returned by Register when no factory claims a path.
var ErrNoFactory = errors.New("hive: no actor factory for path")

// Factory builds the actor for path. It runs on the caller's goroutine,
// before the actor is registered.
type Factory func(h *Hive, path string) (kernel.Actor, error)

type Config struct {
	Workers       int
	PollInterval  time.Duration
	Tick          time.Duration
	ShutdownGrace time.Duration
	// extra kernel options applied after the fields above
	KernelOptions []kernel.Option
}

// Hive is the ownership root for one running kernel.
type Hive struct {
	k      *kernel.Kernel
	sock   *socket.Manager
	wheel  *timer.Wheel
	tick   time.Duration
	fmu    sync.RWMutex
	byExt  map[string]Factory
	byURL  map[string]Factory
	exitCh chan struct{}
	exited atomic.Bool
	ran    atomic.Bool
}

func New(cfg Config) (*Hive, error) {
	var opts []kernel.Option
	if cfg.Workers > 0 {
		opts = append(opts, kernel.WithWorkers(cfg.Workers))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, kernel.WithPollInterval(cfg.PollInterval))
	}
	if cfg.ShutdownGrace > 0 {
		opts = append(opts, kernel.WithShutdownGrace(cfg.ShutdownGrace))
	}
	opts = append(opts, cfg.KernelOptions...)
	k, err := kernel.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "hive: kernel")
	}
	sock, err := socket.New(k)
	if err != nil {
		return nil, errors.Wrap(err, "hive: socket manager")
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = timer.DefaultTick
	}
	return &Hive{
		k:      k,
		sock:   sock,
		wheel:  timer.New(k, timer.WithTick(tick)),
		tick:   tick,
		byExt:  make(map[string]Factory),
		byURL:  make(map[string]Factory),
		exitCh: make(chan struct{}),
	}, nil
}

func (h *Hive) Kernel() *kernel.Kernel { return h.k }

// Tick is the real-time length of one Timeout tick.
func (h *Hive) Tick() time.Duration { return h.tick }

// RegisterFactory makes f responsible for paths ending in ".kind" (when kind
// starts with a dot) or starting with "kind://".
func (h *Hive) RegisterFactory(kind string, f Factory) {
	h.fmu.Lock()
	defer h.fmu.Unlock()
	if strings.HasPrefix(kind, ".") {
		h.byExt[kind] = f
	} else {
		h.byURL[kind] = f
	}
}

// Kinds lists the registered factory keys.
func (h *Hive) Kinds() []string {
	h.fmu.RLock()
	defer h.fmu.RUnlock()
	out := make([]string, 0, len(h.byExt)+len(h.byURL))
	for k := range h.byExt {
		out = append(out, k)
	}
	for k := range h.byURL {
		out = append(out, k+"://")
	}
	sort.Strings(out)
	return out
}

func (h *Hive) factory(path string) (Factory, bool) {
	h.fmu.RLock()
	defer h.fmu.RUnlock()
	if i := strings.Index(path, "://"); i > 0 {
		f, ok := h.byURL[path[:i]]
		return f, ok
	}
	for ext, f := range h.byExt {
		if strings.HasSuffix(path, ext) {
			return f, true
		}
	}
	return nil, false
}

// Register builds the actor behind path and registers it under name. The
// actor receives Create before anything else.
func (h *Hive) Register(path, name string) (kernel.Handle, error) {
	f, ok := h.factory(path)
	if !ok {
		return 0, errors.Wrapf(ErrNoFactory, "%q", path)
	}
	a, err := f(h, path)
	if err != nil {
		return 0, errors.Wrapf(err, "hive: create %q", path)
	}
	hd, err := h.k.Register(name, a)
	if err != nil {
		if c, ok := a.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return 0, err
	}
	log.Debugf("registered %s as %d (%s)", path, hd, name)
	return hd, nil
}

// RegisterActor registers an actor built by the caller.
func (h *Hive) RegisterActor(name string, a kernel.Actor) (kernel.Handle, error) {
	return h.k.Register(name, a)
}

func (h *Hive) Unregister(hd kernel.Handle) error {
	return h.k.Unregister(hd)
}

func (h *Hive) Send(source, target kernel.Handle, typ kernel.MessageType, session int32, payload []byte) error {
	return h.k.Send(source, target, typ, session, payload)
}

func (h *Hive) ActorByName(name string) (kernel.Handle, bool) {
	return h.k.ActorByName(name)
}

// Timeout asks for a Timer message to owner after ticks ticks and returns the
// session that message will carry.
func (h *Hive) Timeout(ticks int, owner kernel.Handle) int32 {
	return h.wheel.Insert(clampTicks(ticks), owner)
}

// clampTicks maps negative offsets to 0 and saturates at the wheel's range.
func clampTicks(ticks int) uint32 {
	switch {
	case ticks < 0:
		return 0
	case int64(ticks) > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(ticks)
}

func (h *Hive) SocketListen(host string, port int, owner kernel.Handle) (int32, error) {
	return h.sock.Listen(host, port, owner)
}

func (h *Hive) SocketConnect(host string, port int, owner kernel.Handle) (int32, error) {
	return h.sock.Connect(host, port, owner)
}

func (h *Hive) SocketAttach(id int32, owner kernel.Handle) error {
	return h.sock.Attach(id, owner)
}

func (h *Hive) SocketSend(id int32, data []byte) error {
	return h.sock.Send(id, data)
}

func (h *Hive) SocketClose(id int32) error {
	return h.sock.Close(id)
}

func (h *Hive) SocketAddrInfo(id int32) (string, int, error) {
	return h.sock.AddrInfo(id)
}

// Exit stops Run. It may be called from any goroutine, actors included, and
// more than once.
func (h *Hive) Exit() {
	if h.exited.CompareAndSwap(false, true) {
		log.Infof("exit requested")
		close(h.exitCh)
	}
}

// Run drives the workers, the socket goroutine and the timer until ctx is
// done, Exit is called or one of them fails. Every actor is released before
// Run returns.
func (h *Hive) Run(ctx context.Context) error {
	if !h.ran.CompareAndSwap(false, true) {
		return errors.New("hive: Run called twice")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.exitCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.k.Run(gctx) })
	g.Go(func() error { return h.sock.Run(gctx) })
	g.Go(func() error { return h.wheel.Run(gctx) })
	err := g.Wait()
	if err != nil {
		log.Errorf("stopped: %v", err)
	}
	return err
}
