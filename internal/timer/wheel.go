// Package timer implements a hierarchical timing wheel that turns expirations
// into Timer messages for kernel actors.
package timer

import (
	"context"
	"sync"
	"time"

	"hive/internal/kernel"
	"hive/internal/logger"
)

var log = logger.NewLogger("timer", kernel.SystemLogLevel())

const (
	nearShift  = 8
	nearSize   = 1 << nearShift
	nearMask   = nearSize - 1
	levelShift = 6
	levelSize  = 1 << levelShift
	levelMask  = levelSize - 1
	levels     = 4

	DefaultTick = 10 * time.Millisecond
)

// Sender is the part of the kernel the wheel needs.
type Sender interface {
	Send(source, target kernel.Handle, typ kernel.MessageType, session int32, payload []byte) error
}

type node struct {
	expire  uint32
	session int32
	handle  kernel.Handle
}

// Wheel keeps 256 near slots plus four cascading levels of 64 slots. Time is
// counted in ticks and wraps at 2^32.
type Wheel struct {
	sender Sender
	tick   time.Duration
	clock  func() time.Time

	// tickMu serializes whole ticks; mu guards the buckets and is dropped
	// while expired nodes are delivered.
	tickMu  sync.Mutex
	mu      sync.Mutex
	near    [nearSize][]node
	level   [levels][levelSize][]node
	time    uint32
	session int32
	pending int

	updateMu sync.Mutex
	start    time.Time
	lastTick int64
}

type Option func(*Wheel)

// WithTick sets the real-time length of one tick.
func WithTick(d time.Duration) Option {
	return func(w *Wheel) {
		if d > 0 {
			w.tick = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(w *Wheel) {
		if clock != nil {
			w.clock = clock
		}
	}
}

func New(sender Sender, opts ...Option) *Wheel {
	w := &Wheel{
		sender: sender,
		tick:   DefaultTick,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.start = w.clock()
	return w
}

// Insert schedules a Timer message for handle after offset ticks and returns
// the session the message will carry. An offset of zero fires on the next
// tick.
func (w *Wheel) Insert(offset uint32, handle kernel.Handle) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	session := w.session
	w.session = (w.session + 1) & 0x7fffffff
	w.add(node{expire: w.time + offset, session: session, handle: handle})
	w.pending++
	return session
}

// Pending is the number of nodes still waiting to fire.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Now is the wheel's current time in ticks.
func (w *Wheel) Now() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.time
}

func (w *Wheel) add(n node) {
	expire, cur := n.expire, w.time
	if expire|nearMask == cur|nearMask {
		w.near[expire&nearMask] = append(w.near[expire&nearMask], n)
		return
	}
	mask := uint32(nearSize) << levelShift
	i := 0
	for ; i < levels-1; i++ {
		if expire|(mask-1) == cur|(mask-1) {
			break
		}
		mask <<= levelShift
	}
	idx := (expire >> (nearShift + uint(i)*levelShift)) & levelMask
	w.level[i][idx] = append(w.level[i][idx], n)
}

// move re-files every node of one level bucket relative to the current time.
func (w *Wheel) move(level int, idx uint32) {
	nodes := w.level[level][idx]
	w.level[level][idx] = nil
	for _, n := range nodes {
		w.add(n)
	}
}

func (w *Wheel) shift() {
	w.time++
	ct := w.time
	if ct == 0 {
		w.move(levels-1, 0)
		return
	}
	mask := uint32(nearSize)
	t := ct >> nearShift
	for i := 0; ct&(mask-1) == 0; i++ {
		if idx := t & levelMask; idx != 0 {
			w.move(i, idx)
			return
		}
		mask <<= levelShift
		t >>= levelShift
	}
}

// execute drains the near bucket for the current time. Called with mu held;
// mu is released while messages are sent.
func (w *Wheel) execute() {
	idx := w.time & nearMask
	for len(w.near[idx]) > 0 {
		fired := w.near[idx]
		w.near[idx] = nil
		w.pending -= len(fired)
		w.mu.Unlock()
		for _, n := range fired {
			if err := w.sender.Send(kernel.SysHandle, n.handle, kernel.MsgTimer, n.session, nil); err != nil {
				log.Debugf("timer %d for actor %d dropped: %v", n.session, n.handle, err)
			}
		}
		w.mu.Lock()
	}
}

// Tick advances the wheel by one tick.
func (w *Wheel) Tick() {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	w.mu.Lock()
	w.execute()
	w.shift()
	w.execute()
	w.mu.Unlock()
}

// Update samples the clock and replays one Tick per elapsed tick. A clock
// that moved backwards is logged and resynchronised without ticking.
func (w *Wheel) Update() {
	w.updateMu.Lock()
	defer w.updateMu.Unlock()
	now := int64(w.clock().Sub(w.start) / w.tick)
	last := w.lastTick
	w.lastTick = now
	if now < last {
		log.Errorf("clock moved backwards by %d ticks", last-now)
		return
	}
	for i := last; i < now; i++ {
		w.Tick()
	}
}

// Run calls Update four times per tick until ctx is done.
func (w *Wheel) Run(ctx context.Context) error {
	interval := w.tick / 4
	if interval <= 0 {
		interval = w.tick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Update()
		}
	}
}
