package kernel

import "hive/internal/spinlock"

const defaultMailboxCap = 1024

// mailbox is a growable ring of messages. It doubles in place when full and
// never shrinks.
type mailbox struct {
	lock  spinlock.Lock
	buf   []Message
	head  int
	count int
}

func newMailbox(capacity int) *mailbox {
	if capacity <= 0 {
		capacity = defaultMailboxCap
	}
	return &mailbox{buf: make([]Message, capacity)}
}

func (m *mailbox) push(msg Message) {
	m.lock.Lock()
	if m.count == len(m.buf) {
		m.grow()
	}
	m.buf[(m.head+m.count)%len(m.buf)] = msg
	m.count++
	m.lock.Unlock()
}

// grow keeps FIFO order by unrolling the ring into the front of the new
// buffer. Caller holds the lock.
func (m *mailbox) grow() {
	next := make([]Message, len(m.buf)*2)
	n := copy(next, m.buf[m.head:])
	copy(next[n:], m.buf[:m.head])
	m.buf = next
	m.head = 0
}

// pop removes the oldest message and reports how many are left behind it.
func (m *mailbox) pop() (Message, int, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.count == 0 {
		return Message{}, 0, false
	}
	msg := m.buf[m.head]
	m.buf[m.head] = Message{}
	m.head = (m.head + 1) % len(m.buf)
	m.count--
	return msg, m.count, true
}

func (m *mailbox) len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.count
}

func (m *mailbox) capacity() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.buf)
}

// drain discards everything queued and returns how many messages were dropped.
func (m *mailbox) drain() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	n := m.count
	clear(m.buf)
	m.head = 0
	m.count = 0
	return n
}
