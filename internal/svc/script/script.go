// Package script runs actors written in JavaScript. A script is executed once
// when the actor is registered and must call hive.start(fn); fn then receives
// every message as fn(source, self, type, session, data).
package script

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"hive/internal/hive"
	"hive/internal/kernel"
	"hive/internal/logger"
	"hive/internal/socket"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

var log = logger.NewLogger("script", kernel.SystemLogLevel())

const Ext = ".js"

// Host is the part of the hive a script can reach.
type Host interface {
	Register(path, name string) (kernel.Handle, error)
	Unregister(h kernel.Handle) error
	Send(source, target kernel.Handle, typ kernel.MessageType, session int32, payload []byte) error
	ActorByName(name string) (kernel.Handle, bool)
	Timeout(ticks int, owner kernel.Handle) int32
	Exit()
	SocketListen(host string, port int, owner kernel.Handle) (int32, error)
	SocketConnect(host string, port int, owner kernel.Handle) (int32, error)
	SocketAttach(id int32, owner kernel.Handle) error
	SocketSend(id int32, data []byte) error
	SocketClose(id int32) error
	SocketAddrInfo(id int32) (string, int, error)
}

type Options struct {
	// Root resolves relative script paths.
	Root string
	// MaxDispatch interrupts a dispatch that runs longer. Zero means no limit.
	MaxDispatch time.Duration
}

// Actor is one JavaScript runtime. The kernel never dispatches it
// concurrently, which is all goja requires.
type Actor struct {
	host     Host
	opts     Options
	vm       *goja.Runtime
	path     string
	name     string
	self     kernel.Handle
	dispatch goja.Callable
}

// Factory serves every path ending in ".js".
func Factory(opts Options) hive.Factory {
	return func(h *hive.Hive, path string) (kernel.Actor, error) {
		a, err := Load(h, path, opts)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Load reads and runs the script at path. The script's top level runs on the
// calling goroutine; the actor has no handle yet, so hive.self() is 0 there.
func Load(host Host, path string, opts Options) (*Actor, error) {
	full := path
	if !filepath.IsAbs(full) && opts.Root != "" {
		full = filepath.Join(opts.Root, path)
	}
	src, err := os.ReadFile(full)
	if err != nil {
		return nil, errors.Wrapf(err, "script: read %s", path)
	}
	return LoadSource(host, full, string(src), opts)
}

// LoadSource is Load for a script held in memory; path is used for naming
// and error positions.
func LoadSource(host Host, path, src string, opts Options) (*Actor, error) {
	prog, err := goja.Compile(path, src, false)
	if err != nil {
		return nil, errors.Wrapf(err, "script: compile %s", path)
	}
	a := &Actor{
		host: host,
		opts: opts,
		vm:   goja.New(),
		path: path,
		name: filepath.Base(path),
	}
	if err := a.vm.Set("hive", a.api()); err != nil {
		return nil, errors.Wrap(err, "script: install api")
	}
	if _, err := a.vm.RunProgram(prog); err != nil {
		return nil, errors.Wrapf(err, "script: run %s", path)
	}
	if a.dispatch == nil {
		return nil, errors.Errorf("script: %s never called hive.start", path)
	}
	return a, nil
}

func (a *Actor) Dispatch(ctx *kernel.ActCtx, msg kernel.Message) error {
	if a.vm == nil {
		return nil
	}
	a.self = ctx.Self
	if ctx.Name != "" {
		a.name = ctx.Name
	}
	if msg.Type == kernel.MsgRelease {
		defer a.close()
	}

	args, err := a.arguments(msg)
	if err != nil {
		return err
	}
	if a.opts.MaxDispatch > 0 {
		defer startLimit(a.vm, a.opts.MaxDispatch).stop()
	}
	if _, err := a.dispatch(goja.Undefined(), args...); err != nil {
		return errors.Wrapf(err, "script %s", a.path)
	}
	return nil
}

// dispatchLimit interrupts one dispatch once its time is up. A timer that
// fires after stop has no effect.
type dispatchLimit struct {
	vm   *goja.Runtime
	t    *time.Timer
	mu   sync.Mutex
	done bool
}

func startLimit(vm *goja.Runtime, d time.Duration) *dispatchLimit {
	l := &dispatchLimit{vm: vm}
	l.t = time.AfterFunc(d, l.fire)
	return l
}

func (l *dispatchLimit) fire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done {
		l.vm.Interrupt("dispatch time limit exceeded")
	}
}

func (l *dispatchLimit) stop() {
	l.t.Stop()
	l.mu.Lock()
	l.done = true
	l.mu.Unlock()
	l.vm.ClearInterrupt()
}

func (a *Actor) arguments(msg kernel.Message) ([]goja.Value, error) {
	vm := a.vm
	args := []goja.Value{
		vm.ToValue(uint32(msg.Source)),
		vm.ToValue(uint32(a.self)),
		vm.ToValue(int(msg.Type)),
		vm.ToValue(msg.Session),
	}
	if len(msg.Payload) == 0 {
		return append(args, goja.Null()), nil
	}
	if msg.Type != kernel.MsgSocket {
		return append(args, vm.ToValue(vm.NewArrayBuffer(msg.Payload))), nil
	}

	ev, err := socket.DecodeEvent(msg.Payload)
	if err != nil {
		return nil, err
	}
	args = append(args, vm.ToValue(int(ev.Kind)))
	switch ev.Kind {
	case socket.EventAccept:
		args = append(args, vm.ToValue(ev.NewID))
	case socket.EventConnected:
		if len(ev.Data) == 0 {
			args = append(args, goja.Null())
		} else {
			args = append(args, vm.ToValue(string(ev.Data)))
		}
	case socket.EventRecv:
		args = append(args, vm.ToValue(vm.NewArrayBuffer(ev.Data)))
	case socket.EventError:
		args = append(args, vm.ToValue(string(ev.Data)))
	}
	return args, nil
}

func (a *Actor) close() {
	log.Debugf("script actor %d (%s) released", a.self, a.name)
	a.dispatch = nil
	a.vm = nil
}
