//go:build linux || darwin

// Package socket multiplexes non-blocking TCP sockets on one goroutine and
// reports their I/O as kernel.MsgSocket messages to the owning actors.
package socket

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"hive/internal/kernel"
	"hive/internal/logger"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var log = logger.NewLogger("socket", kernel.SystemLogLevel())

const scratchSize = 64 * 1024

// Sender is the part of the kernel the manager needs.
type Sender interface {
	Send(source, target kernel.Handle, typ kernel.MessageType, session int32, payload []byte) error
}

// Manager owns every socket slot. Its exported methods may be called from
// any goroutine; mutations of poller state are sent as control records to
// the goroutine running Run.
type Manager struct {
	sender Sender
	slots  []slot
	nextID atomic.Int32

	poll *poller
	ctlR int
	ctlW int
	// writers hold ctlMu shared; shutdown takes it exclusively before the
	// pipe is closed
	ctlMu   sync.RWMutex
	closed  atomic.Bool
	running atomic.Bool

	// I/O goroutine only
	fdIndex map[int]int32
	scratch []byte
	ctlBuf  []byte
	ctlLen  int
	ready   []readyEvent
}

func New(sender Sender) (*Manager, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	r, w, err := newControlPipe()
	if err != nil {
		p.close()
		return nil, osError("pipe", err)
	}
	if err := p.add(r, eventRead); err != nil {
		p.close()
		unix.Close(r)
		unix.Close(w)
		return nil, osError("poll add", err)
	}
	m := &Manager{
		sender:  sender,
		slots:   make([]slot, SlotCount),
		poll:    p,
		ctlR:    r,
		ctlW:    w,
		fdIndex: make(map[int]int32),
		scratch: make([]byte, scratchSize),
		ctlBuf:  make([]byte, recordSize*256),
	}
	for i := range m.slots {
		m.slots[i].fd = -1
	}
	return m, nil
}

// Listen binds and listens on the calling goroutine so address errors are
// returned directly; the I/O goroutine then starts accepting.
func (m *Manager) Listen(host string, port int, owner kernel.Handle) (int32, error) {
	if m.closed.Load() {
		return -1, ErrManagerClosed
	}
	sa, family, err := resolve(host, port)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return -1, osError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, osError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, osError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, osError("listen", err)
	}
	s, id, err := m.claim()
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	s.lock.Lock()
	s.fd = fd
	s.owner = owner
	s.listener = true
	s.lock.Unlock()
	if err := m.writeControl(record{op: opListen, id: id}); err != nil {
		m.release(s)
		return -1, err
	}
	log.Debugf("socket %d listening on %s:%d for actor %d", id, host, port, owner)
	return id, nil
}

// Connect starts a non-blocking connect. The outcome reaches owner as a
// Connected event.
func (m *Manager) Connect(host string, port int, owner kernel.Handle) (int32, error) {
	if m.closed.Load() {
		return -1, ErrManagerClosed
	}
	sa, family, err := resolve(host, port)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return -1, osError("socket", err)
	}
	if family == unix.AF_INET || family == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		unix.Close(fd)
		return -1, osError("connect", err)
	}
	s, id, err := m.claim()
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	s.lock.Lock()
	s.fd = fd
	s.owner = owner
	s.set(StateConnecting)
	s.lock.Unlock()
	if err := m.writeControl(record{op: opConnect, id: id}); err != nil {
		m.release(s)
		return -1, err
	}
	return id, nil
}

// Attach hands an accepted socket to owner and starts delivering its events.
// Until then the socket produces no messages.
func (m *Manager) Attach(id int32, owner kernel.Handle) error {
	s := m.lookup(id)
	if s == nil {
		return errors.Wrapf(ErrInvalidSocketID, "attach %d", id)
	}
	s.lock.Lock()
	if !s.valid(id) || s.load() != StatePrepare || !s.accepted {
		s.lock.Unlock()
		return errors.Wrapf(ErrInvalidSocketID, "attach %d", id)
	}
	s.accepted = false
	s.lock.Unlock()
	return m.writeControl(record{op: opAttach, id: id, arg: uint32(owner)})
}

// Send takes ownership of data. With an empty backlog it writes inline; any
// remainder is queued and flushed by the I/O goroutine. Write failures are
// reported to the owner as an Error event.
func (m *Manager) Send(id int32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s := m.lookup(id)
	if s == nil {
		return errors.Wrapf(ErrInvalidSocketID, "send %d", id)
	}
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return errors.Wrapf(ErrInvalidSocketID, "send %d", id)
	}
	st := s.load()
	if st != StateForward && st != StateConnecting {
		s.lock.Unlock()
		return errors.Wrapf(ErrInvalidSocketID, "send %d in state %s", id, st)
	}
	if s.werr != nil {
		s.lock.Unlock()
		return nil
	}
	if st == StateForward && len(s.wbuf) == 0 {
		for len(data) > 0 {
			n, err := unix.Write(s.fd, data)
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				s.werr = err
				data = nil
				break
			}
			data = data[n:]
		}
		if len(data) == 0 && s.werr == nil {
			s.lock.Unlock()
			return nil
		}
	}
	if len(data) > 0 {
		s.wbuf = append(s.wbuf, data)
	}
	s.lock.Unlock()
	return m.writeControl(record{op: opSend, id: id})
}

// Close is asynchronous. Queued writes are flushed before the descriptor is
// closed.
func (m *Manager) Close(id int32) error {
	s := m.lookup(id)
	if s == nil {
		return errors.Wrapf(ErrInvalidSocketID, "close %d", id)
	}
	s.lock.Lock()
	ok := s.valid(id)
	s.lock.Unlock()
	if !ok {
		return errors.Wrapf(ErrInvalidSocketID, "close %d", id)
	}
	return m.writeControl(record{op: opClose, id: id})
}

// AddrInfo returns the local address of a listener and the peer address of
// any other socket.
func (m *Manager) AddrInfo(id int32) (string, int, error) {
	s := m.lookup(id)
	if s == nil {
		return "", 0, errors.Wrapf(ErrInvalidSocketID, "addrinfo %d", id)
	}
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return "", 0, errors.Wrapf(ErrInvalidSocketID, "addrinfo %d", id)
	}
	var (
		sa  unix.Sockaddr
		err error
	)
	if s.listener {
		sa, err = unix.Getsockname(s.fd)
	} else {
		sa, err = unix.Getpeername(s.fd)
	}
	s.lock.Unlock()
	if err != nil {
		return "", 0, osError("addrinfo", err)
	}
	return sockaddrHostPort(sa)
}

// State reports the current state of id, StateInvalid for unknown ids.
func (m *Manager) State(id int32) State {
	s := m.lookup(id)
	if s == nil {
		return StateInvalid
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.id != id {
		return StateInvalid
	}
	return s.load()
}

// Pending is the number of queued, unsent bytes for id.
func (m *Manager) Pending(id int32) int {
	s := m.lookup(id)
	if s == nil {
		return 0
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.valid(id) {
		return 0
	}
	return s.pending()
}

func (m *Manager) lookup(id int32) *slot {
	if id < 0 {
		return nil
	}
	return &m.slots[id&(SlotCount-1)]
}

// claim reserves a free slot under a fresh id. Busy slots are skipped
// without waiting.
func (m *Manager) claim() (*slot, int32, error) {
	for i := 0; i < SlotCount; i++ {
		id := m.nextID.Add(1)
		if id < 0 {
			id = m.nextID.And(0x7fffffff) & 0x7fffffff
		}
		s := &m.slots[id&(SlotCount-1)]
		if !s.lock.TryLock() {
			continue
		}
		if s.state.CompareAndSwap(int32(StateInvalid), int32(StatePrepare)) {
			s.id = id
			s.fd = -1
			s.owner = kernel.SysHandle
			s.listener = false
			s.accepted = false
			s.registered = false
			s.writing = false
			s.wbuf = nil
			s.woff = 0
			s.werr = nil
			s.closeAfterConnect = false
			s.lock.Unlock()
			return s, id, nil
		}
		s.lock.Unlock()
	}
	return nil, -1, ErrSlotsExhausted
}

// release frees a slot that was never handed to the I/O goroutine.
func (m *Manager) release(s *slot) {
	s.lock.Lock()
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.set(StateInvalid)
	s.lock.Unlock()
}

func (m *Manager) writeControl(r record) error {
	m.ctlMu.RLock()
	defer m.ctlMu.RUnlock()
	if m.closed.Load() {
		return ErrManagerClosed
	}
	b := r.encode()
	for {
		n, err := unix.Write(m.ctlW, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return osError("control write", err)
		}
		if n != recordSize {
			return errors.Errorf("socket: short control write (%d bytes)", n)
		}
		return nil
	}
}

// Run is the I/O loop. It returns nil once ctx is done and every socket has
// been closed, or an error if the poller or control pipe fails.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("socket: manager already running")
	}
	stop := context.AfterFunc(ctx, func() {
		if err := m.writeControl(record{op: opExit}); err != nil {
			log.Debugf("exit request not sent: %v", err)
		}
	})
	defer stop()
	defer m.shutdown()

	for {
		var err error
		m.ready, err = m.poll.wait(m.ready[:0], -1)
		if err != nil {
			return err
		}
		for _, ev := range m.ready {
			if ev.fd == m.ctlR {
				exit, err := m.drainControl()
				if err != nil {
					return err
				}
				if exit {
					return nil
				}
				continue
			}
			m.handleEvent(ev.fd, ev.events)
		}
	}
}

func (m *Manager) drainControl() (bool, error) {
	for {
		n, err := unix.Read(m.ctlR, m.ctlBuf[m.ctlLen:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false, nil
		}
		if err != nil {
			return false, osError("control read", err)
		}
		if n == 0 {
			return false, errors.New("socket: control pipe closed")
		}
		m.ctlLen += n
		off := 0
		for ; m.ctlLen-off >= recordSize; off += recordSize {
			exit, err := m.handleControl(decodeRecord(m.ctlBuf[off : off+recordSize]))
			if err != nil || exit {
				return exit, err
			}
		}
		m.ctlLen = copy(m.ctlBuf, m.ctlBuf[off:m.ctlLen])
	}
}

func (m *Manager) handleControl(r record) (bool, error) {
	if r.op == opExit {
		return true, nil
	}
	s := m.lookup(r.id)
	if s == nil {
		return false, errors.Errorf("socket: corrupt control record %+v", r)
	}
	switch r.op {
	case opListen:
		m.register(s, r.id, StatePrepare, StateListen, eventRead)
	case opConnect:
		m.register(s, r.id, StateConnecting, StateConnecting, eventWrite)
	case opAttach:
		s.lock.Lock()
		if s.valid(r.id) {
			s.owner = kernel.Handle(r.arg)
		}
		s.lock.Unlock()
		m.register(s, r.id, StatePrepare, StateForward, eventRead)
	case opSend:
		m.armWrite(s, r.id)
	case opClose:
		m.closeSocket(s, r.id)
	default:
		return false, errors.Errorf("socket: corrupt control record %+v", r)
	}
	return false, nil
}

// register adds the descriptor to the poller and moves the slot from one
// state to the next.
func (m *Manager) register(s *slot, id int32, from, to State, events ioEvents) {
	s.lock.Lock()
	if !s.valid(id) || s.registered || s.load() != from {
		s.lock.Unlock()
		return
	}
	fd, owner := s.fd, s.owner
	if err := m.poll.add(fd, events); err != nil {
		s.lock.Unlock()
		log.Errorf("socket %d: poll add failed: %v", id, err)
		m.emit(owner, Event{Kind: EventError, ID: id, Data: []byte(err.Error())})
		m.remove(s, id)
		return
	}
	s.registered = true
	s.writing = events&eventWrite != 0
	s.set(to)
	m.fdIndex[fd] = id
	s.lock.Unlock()
}

func (m *Manager) armWrite(s *slot, id int32) {
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return
	}
	if werr := s.werr; werr != nil {
		owner := s.owner
		s.lock.Unlock()
		m.emit(owner, Event{Kind: EventError, ID: id, Data: []byte(werr.Error())})
		m.remove(s, id)
		return
	}
	if s.load() == StateForward && s.registered && !s.writing && len(s.wbuf) > 0 {
		if err := m.poll.modify(s.fd, eventRead|eventWrite); err != nil {
			log.Errorf("socket %d: arming write failed: %v", id, err)
		} else {
			s.writing = true
		}
	}
	s.lock.Unlock()
}

func (m *Manager) closeSocket(s *slot, id int32) {
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return
	}
	if s.load() == StateConnecting && len(s.wbuf) > 0 && s.werr == nil {
		s.closeAfterConnect = true
		s.lock.Unlock()
		return
	}
	if s.load() == StateForward && len(s.wbuf) > 0 && s.werr == nil {
		s.set(StateClosing)
		if err := m.poll.modify(s.fd, eventWrite); err == nil {
			s.writing = true
			s.lock.Unlock()
			return
		}
	}
	s.lock.Unlock()
	m.remove(s, id)
}

func (m *Manager) handleEvent(fd int, events ioEvents) {
	id, ok := m.fdIndex[fd]
	if !ok {
		return
	}
	s := m.lookup(id)
	switch s.load() {
	case StateListen:
		if events&(eventRead|eventError) != 0 {
			m.acceptAll(s, id)
		}
	case StateConnecting:
		if events&(eventWrite|eventError|eventHangup) != 0 {
			m.finishConnect(s, id)
		}
	case StateForward:
		if events&(eventRead|eventError|eventHangup) != 0 && !m.readAll(s, id) {
			return
		}
		if events&eventWrite != 0 {
			m.flush(s, id)
		}
	case StateClosing:
		if events&eventWrite != 0 {
			m.flush(s, id)
		} else if events&(eventError|eventHangup) != 0 {
			m.remove(s, id)
		}
	}
}

func (m *Manager) acceptAll(s *slot, id int32) {
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return
	}
	lfd, owner := s.fd, s.owner
	s.lock.Unlock()

	for {
		nfd, err := acceptConn(lfd)
		switch err {
		case nil:
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return
		default:
			log.Warnf("socket %d: accept: %v", id, err)
			return
		}
		ns, nid, err := m.claim()
		if err != nil {
			log.Warnf("socket %d: dropping accepted connection: %v", id, err)
			unix.Close(nfd)
			continue
		}
		ns.lock.Lock()
		ns.fd = nfd
		ns.accepted = true
		ns.lock.Unlock()
		if !m.emit(owner, Event{Kind: EventAccept, ID: id, NewID: nid}) {
			m.release(ns)
		}
	}
}

func (m *Manager) finishConnect(s *slot, id int32) {
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return
	}
	fd, owner := s.fd, s.owner
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soerr != 0 {
		err = unix.Errno(soerr)
	}
	if err != nil {
		s.lock.Unlock()
		m.emit(owner, Event{Kind: EventConnected, ID: id, Data: []byte(err.Error())})
		m.remove(s, id)
		return
	}
	if s.closeAfterConnect {
		// the owner already closed it; drain the queued writes and go
		if err := m.poll.modify(fd, eventWrite); err != nil {
			s.lock.Unlock()
			log.Errorf("socket %d: arming write failed: %v", id, err)
			m.remove(s, id)
			return
		}
		s.writing = true
		s.set(StateClosing)
		s.lock.Unlock()
		return
	}
	interest := eventRead
	if len(s.wbuf) > 0 {
		interest |= eventWrite
	}
	if err := m.poll.modify(fd, interest); err != nil {
		s.lock.Unlock()
		m.emit(owner, Event{Kind: EventConnected, ID: id, Data: []byte(err.Error())})
		m.remove(s, id)
		return
	}
	s.writing = interest&eventWrite != 0
	s.set(StateForward)
	s.lock.Unlock()
	m.emit(owner, Event{Kind: EventConnected, ID: id})
}

// readAll reads until the socket would block. It returns false if the socket
// was removed.
func (m *Manager) readAll(s *slot, id int32) bool {
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return false
	}
	fd, owner := s.fd, s.owner
	s.lock.Unlock()

	for {
		n, err := unix.Read(fd, m.scratch)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return true
		}
		if err != nil {
			m.emit(owner, Event{Kind: EventError, ID: id, Data: []byte(err.Error())})
			m.remove(s, id)
			return false
		}
		if n == 0 {
			m.emit(owner, Event{Kind: EventBreak, ID: id})
			m.remove(s, id)
			return false
		}
		// Encode copies out of the scratch buffer
		if !m.emit(owner, Event{Kind: EventRecv, ID: id, Data: m.scratch[:n]}) {
			m.remove(s, id)
			return false
		}
	}
}

func (m *Manager) flush(s *slot, id int32) {
	s.lock.Lock()
	if !s.valid(id) {
		s.lock.Unlock()
		return
	}
	werr := s.werr
	for werr == nil && len(s.wbuf) > 0 {
		n, err := unix.Write(s.fd, s.wbuf[0][s.woff:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			werr = err
			break
		}
		s.woff += n
		if s.woff == len(s.wbuf[0]) {
			s.wbuf[0] = nil
			s.wbuf = s.wbuf[1:]
			s.woff = 0
		}
	}
	owner := s.owner
	if werr == nil && len(s.wbuf) == 0 {
		if s.load() == StateClosing {
			s.lock.Unlock()
			m.remove(s, id)
			return
		}
		if s.writing {
			if err := m.poll.modify(s.fd, eventRead); err != nil {
				log.Errorf("socket %d: disarming write failed: %v", id, err)
			} else {
				s.writing = false
			}
		}
	}
	s.lock.Unlock()
	if werr != nil {
		m.emit(owner, Event{Kind: EventError, ID: id, Data: []byte(werr.Error())})
		m.remove(s, id)
	}
}

// remove closes the socket and frees its slot. It runs on the I/O goroutine
// and is a no-op for ids that are already gone.
func (m *Manager) remove(s *slot, id int32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.valid(id) {
		return
	}
	if s.registered {
		_ = m.poll.remove(s.fd)
		delete(m.fdIndex, s.fd)
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
	}
	s.fd = -1
	s.owner = kernel.SysHandle
	s.registered = false
	s.writing = false
	s.listener = false
	s.accepted = false
	s.wbuf = nil
	s.woff = 0
	s.werr = nil
	s.set(StateInvalid)
}

func (m *Manager) emit(owner kernel.Handle, ev Event) bool {
	if err := m.sender.Send(kernel.SysHandle, owner, kernel.MsgSocket, ev.ID, ev.Encode()); err != nil {
		log.Debugf("socket %d: %s event for actor %d dropped: %v", ev.ID, ev.Kind, owner, err)
		return false
	}
	return true
}

func (m *Manager) shutdown() {
	m.closed.Store(true)
	// writers blocked on a full pipe need the read side drained before
	// they let go of ctlMu
	for !m.ctlMu.TryLock() {
		var buf [recordSize * 64]byte
		_, _ = unix.Read(m.ctlR, buf[:])
		runtime.Gosched()
	}
	defer m.ctlMu.Unlock()

	open := 0
	for i := range m.slots {
		s := &m.slots[i]
		if s.load() == StateInvalid {
			continue
		}
		s.lock.Lock()
		id := s.id
		s.lock.Unlock()
		m.remove(s, id)
		open++
	}
	if err := m.poll.close(); err != nil {
		log.Warnf("closing poller: %v", err)
	}
	unix.Close(m.ctlR)
	unix.Close(m.ctlW)
	log.Infof("socket manager stopped, closed %d sockets", open)
}
