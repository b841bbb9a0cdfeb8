package timer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"hive/internal/kernel"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	Tick    int
	Handle  kernel.Handle
	Session int32
}

// fakeSender stamps every delivery with the tick the test is currently on.
type fakeSender struct {
	mu    sync.Mutex
	tick  int
	fired []firing
}

func (s *fakeSender) Send(source, target kernel.Handle, typ kernel.MessageType, session int32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source != kernel.SysHandle || typ != kernel.MsgTimer || payload != nil {
		panic("unexpected timer message shape")
	}
	s.fired = append(s.fired, firing{Tick: s.tick, Handle: target, Session: session})
	return nil
}

func (s *fakeSender) setTick(n int) {
	s.mu.Lock()
	s.tick = n
	s.mu.Unlock()
}

func sortFirings(f []firing) {
	sort.Slice(f, func(i, j int) bool {
		if f[i].Tick != f[j].Tick {
			return f[i].Tick < f[j].Tick
		}
		return f[i].Session < f[j].Session
	})
}

// runAgainstReference inserts offsets at the wheel's current time, ticks
// until everything fired and compares with the obvious answer: offset d
// fires on tick max(d, 1).
func runAgainstReference(t *testing.T, startTime uint32, offsets []uint32) {
	t.Helper()
	s := &fakeSender{}
	w := New(s)
	w.time = startTime

	var want []firing
	maxTick := 0
	for i, off := range offsets {
		h := kernel.Handle(i + 1)
		session := w.Insert(off, h)
		tick := int(off)
		if tick == 0 {
			tick = 1
		}
		if tick > maxTick {
			maxTick = tick
		}
		want = append(want, firing{Tick: tick, Handle: h, Session: session})
	}
	for i := 1; i <= maxTick; i++ {
		s.setTick(i)
		w.Tick()
	}
	assert.Equal(t, 0, w.Pending())

	got := append([]firing(nil), s.fired...)
	sortFirings(got)
	sortFirings(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("firings mismatch (-want +got):\n%s", diff)
	}
}

func TestWheelMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	randOffsets := func(n int, max uint32) []uint32 {
		out := make([]uint32, n)
		for i := range out {
			out[i] = uint32(r.Int63n(int64(max)))
		}
		return out
	}

	tests := []struct {
		name    string
		start   uint32
		offsets []uint32
	}{
		{"zero and one", 0, []uint32{0, 0, 1, 1, 2}},
		{"near wheel", 0, randOffsets(200, nearSize)},
		{"near boundary", 200, []uint32{55, 56, 57, 255, 256, 300}},
		{"level 0", 0, randOffsets(200, 1<<14)},
		{"level 1", 0, randOffsets(50, 1<<20)},
		{"level 2 crossing", 1<<20 - 100, randOffsets(100, 1<<15)},
		{"level 3 crossing", 1<<26 - 300, randOffsets(100, 1<<12)},
		{"wraparound", ^uint32(0) - 500, randOffsets(100, 2000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runAgainstReference(t, tt.start, tt.offsets)
		})
	}
}

func TestSessionsIncrease(t *testing.T) {
	w := New(&fakeSender{})
	a := w.Insert(5, 1)
	b := w.Insert(5, 1)
	c := w.Insert(0, 2)
	assert.Equal(t, []int32{0, 1, 2}, []int32{a, b, c})
	assert.Equal(t, 3, w.Pending())
}

func TestUpdateFollowsClock(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Unix(1000, 0)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	s := &fakeSender{}
	w := New(s, WithClock(clock), WithTick(10*time.Millisecond))
	w.Insert(3, 7)

	advance(25 * time.Millisecond)
	w.Update()
	assert.Equal(t, uint32(2), w.Now())
	assert.Empty(t, s.fired)

	advance(10 * time.Millisecond)
	w.Update()
	assert.Equal(t, uint32(3), w.Now())
	require.Len(t, s.fired, 1)
	assert.Equal(t, kernel.Handle(7), s.fired[0].Handle)

	// a clock that goes backwards does not tick
	advance(-time.Second)
	w.Update()
	assert.Equal(t, uint32(3), w.Now())

	advance(20 * time.Millisecond)
	w.Update()
	assert.Equal(t, uint32(5), w.Now())
}

func TestRunDeliversToKernel(t *testing.T) {
	k, err := kernel.New(kernel.WithWorkers(1))
	require.NoError(t, err)

	got := make(chan kernel.Message, 1)
	h, err := k.Register("sleeper", kernel.Handler(func(ctx *kernel.ActCtx, msg kernel.Message) error {
		if msg.Type == kernel.MsgTimer {
			got <- msg
		}
		return nil
	}))
	require.NoError(t, err)

	w := New(k, WithTick(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()
	go func() { _ = w.Run(ctx) }()

	session := w.Insert(5, h)
	select {
	case msg := <-got:
		assert.Equal(t, session, msg.Session)
		assert.Equal(t, kernel.SysHandle, msg.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("timer message never arrived")
	}
}
