package kernel

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"hive/internal/spinlock"
)

const (
	defaultActorCap = 4
	// MaxActorSlots bounds table growth.
	MaxActorSlots = 1 << 27
)

// proc is the kernel's per-actor record.
type proc struct {
	handle Handle
	name   string
	actor  Actor
	mbox   *mailbox

	// lock guards scheduled and releasing
	lock      spinlock.Lock
	scheduled bool
	releasing bool

	dispatched atomic.Uint64
	sent       atomic.Uint64
	cpuMicros  atomic.Uint64
	failures   atomic.Uint64
}

func (p *proc) info() ActorInfo {
	p.lock.Lock()
	releasing := p.releasing
	p.lock.Unlock()
	return ActorInfo{
		Handle:     p.handle,
		Name:       p.name,
		Pending:    p.mbox.len(),
		Dispatched: p.dispatched.Load(),
		Sent:       p.sent.Load(),
		CPUMicros:  p.cpuMicros.Load(),
		Failures:   p.failures.Load(),
		Releasing:  releasing,
	}
}

// registry maps handles to actors through a power-of-two table indexed by
// handle & (len-1).
type registry struct {
	mu      sync.RWMutex
	slots   []*proc
	next    Handle
	count   int
	nameIdx map[string]Handle
	// set by close; insert refuses new actors afterwards
	closed bool
}

func newRegistry(capacity int) *registry {
	size := defaultActorCap
	for size < capacity {
		size <<= 1
	}
	return &registry{
		slots:   make([]*proc, size),
		next:    1,
		nameIdx: make(map[string]Handle),
	}
}

// insert assigns p a handle and publishes it. The caller must have fully
// prepared p (mailbox contents, scheduled flag) beforehand.
func (r *registry) insert(p *proc) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrKernelClosed
	}
	for {
		size := Handle(len(r.slots))
		for i := Handle(0); i < size; i++ {
			h := r.next + i
			if h == SysHandle {
				continue
			}
			idx := h & (size - 1)
			if r.slots[idx] == nil {
				p.handle = h
				r.slots[idx] = p
				r.next = h + 1
				r.count++
				if p.name != "" {
					r.nameIdx[p.name] = h
				}
				return h, nil
			}
		}
		if err := r.grow(); err != nil {
			return 0, err
		}
	}
}

func (r *registry) grow() error {
	size := len(r.slots) * 2
	if size > MaxActorSlots {
		return ErrCapacityExceeded
	}
	slots := make([]*proc, size)
	mask := Handle(size - 1)
	for _, p := range r.slots {
		if p == nil {
			continue
		}
		idx := p.handle & mask
		if slots[idx] != nil {
			panic(fmt.Sprintf("kernel: handle %d collides with %d after grow", p.handle, slots[idx].handle))
		}
		slots[idx] = p
	}
	r.slots = slots
	log.Debugf("actor table grown to %d slots", size)
	return nil
}

func (r *registry) lookup(h Handle) *proc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.slots[h&Handle(len(r.slots)-1)]
	if p == nil || p.handle != h {
		return nil
	}
	return p
}

func (r *registry) remove(p *proc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := p.handle & Handle(len(r.slots)-1)
	if r.slots[idx] != p {
		return
	}
	r.slots[idx] = nil
	r.count--
	if p.name != "" && r.nameIdx[p.name] == p.handle {
		delete(r.nameIdx, p.name)
	}
}

func (r *registry) byName(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.nameIdx[name]
	return h, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// snapshot returns live actors ordered by handle.
func (r *registry) snapshot() []*proc {
	r.mu.RLock()
	out := r.live()
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// close refuses further inserts and returns the actors registered at that
// moment. The bool is false when the registry was already closed.
func (r *registry) close() ([]*proc, bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false
	}
	r.closed = true
	out := r.live()
	r.mu.Unlock()
	return out, true
}

// live collects the occupied slots. Caller holds mu.
func (r *registry) live() []*proc {
	out := make([]*proc, 0, r.count)
	for _, p := range r.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
