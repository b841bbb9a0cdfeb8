package kernel

import (
	"runtime"
	"sync/atomic"
)

const defaultReadyQueueSize = 1 << 16

// readySlot's seq doubles as the committed flag: for ring index i the slot
// is free for the producer of i when seq == i and committed when seq == i+1.
// The consumer hands it to the next lap by storing i+size.
type readySlot struct {
	seq atomic.Uint64
	p   atomic.Pointer[proc]
}

// readyQueue is a bounded multi-producer multi-consumer ring of actors with
// pending work. Producers reserve an index with a fetch-add on tail and
// publish through the slot's seq; consumers claim with a CAS on head. A
// failed claim returns nil rather than retrying.
type readyQueue struct {
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
	_     [56]byte
	size  uint64
	mask  uint64
	slots []readySlot
}

func newReadyQueue(size int) *readyQueue {
	if size <= 0 || size&(size-1) != 0 {
		size = defaultReadyQueueSize
	}
	q := &readyQueue{
		size:  uint64(size),
		mask:  uint64(size - 1),
		slots: make([]readySlot, size),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// enqueue yields while the slot it reserved still belongs to the previous
// lap. Each actor holds at most one entry, so this only happens with more
// ready actors than slots.
func (q *readyQueue) enqueue(p *proc) {
	idx := q.tail.Add(1) - 1
	s := &q.slots[idx&q.mask]
	for s.seq.Load() != idx {
		runtime.Gosched()
	}
	s.p.Store(p)
	s.seq.Store(idx + 1)
}

func (q *readyQueue) dequeue() *proc {
	h := q.head.Load()
	if h >= q.tail.Load() {
		return nil
	}
	s := &q.slots[h&q.mask]
	if s.seq.Load() != h+1 {
		return nil
	}
	p := s.p.Load()
	if !q.head.CompareAndSwap(h, h+1) {
		return nil
	}
	s.p.Store(nil)
	s.seq.Store(h + q.size)
	return p
}

// len is approximate under concurrency.
func (q *readyQueue) len() int {
	t, h := q.tail.Load(), q.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}
