//go:build linux || darwin

package socket

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"hive/internal/kernel"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	target kernel.Handle
	ev     Event
}

// chanSender decodes every socket message onto a channel.
type chanSender struct {
	t  *testing.T
	ch chan delivery
}

func (s *chanSender) Send(source, target kernel.Handle, typ kernel.MessageType, session int32, payload []byte) error {
	if source != kernel.SysHandle || typ != kernel.MsgSocket {
		s.t.Errorf("unexpected message shape: source=%d type=%s", source, typ)
	}
	ev, err := DecodeEvent(payload)
	if err != nil {
		s.t.Errorf("bad payload: %v", err)
		return err
	}
	if session != ev.ID {
		s.t.Errorf("session %d does not match socket id %d", session, ev.ID)
	}
	s.ch <- delivery{target: target, ev: ev}
	return nil
}

func startManager(t *testing.T) (*Manager, *chanSender) {
	t.Helper()
	snd := &chanSender{t: t, ch: make(chan delivery, 1024)}
	m, err := New(snd)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return m, snd
}

func next(t *testing.T, s *chanSender) delivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket event")
		return delivery{}
	}
}

func expectQuiet(t *testing.T, s *chanSender, d time.Duration) {
	t.Helper()
	select {
	case got := <-s.ch:
		t.Fatalf("unexpected event %s for socket %d", got.ev.Kind, got.ev.ID)
	case <-time.After(d):
	}
}

func listenLocal(t *testing.T, m *Manager, owner kernel.Handle) (int32, int) {
	t.Helper()
	id, err := m.Listen("127.0.0.1", 0, owner)
	require.NoError(t, err)
	host, port, err := m.AddrInfo(id)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	require.NotZero(t, port)
	return id, port
}

func TestAcceptIsSilentUntilAttach(t *testing.T) {
	m, snd := startManager(t)
	const listenerOwner, connOwner = kernel.Handle(10), kernel.Handle(11)
	lid, port := listenLocal(t, m, listenerOwner)

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer client.Close()

	d := next(t, snd)
	require.Equal(t, EventAccept, d.ev.Kind)
	assert.Equal(t, listenerOwner, d.target)
	assert.Equal(t, lid, d.ev.ID)
	nid := d.ev.NewID
	assert.NotEqual(t, lid, nid)
	assert.Equal(t, StatePrepare, m.State(nid))

	_, err = client.Write([]byte("early bytes"))
	require.NoError(t, err)
	expectQuiet(t, snd, 100*time.Millisecond)

	require.NoError(t, m.Attach(nid, connOwner))
	d = next(t, snd)
	require.Equal(t, EventRecv, d.ev.Kind)
	assert.Equal(t, connOwner, d.target)
	assert.Equal(t, nid, d.ev.ID)
	assert.Equal(t, "early bytes", string(d.ev.Data))
	expectQuiet(t, snd, 50*time.Millisecond)

	// a second attach is rejected
	assert.ErrorIs(t, m.Attach(nid, connOwner), ErrInvalidSocketID)
}

func TestEchoAndBreak(t *testing.T) {
	m, snd := startManager(t)
	const owner = kernel.Handle(3)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	id, err := m.Connect("127.0.0.1", port, owner)
	require.NoError(t, err)

	// queued while connecting, flushed once connected
	require.NoError(t, m.Send(id, []byte("ping")))

	d := next(t, snd)
	require.Equal(t, EventConnected, d.ev.Kind)
	require.NoError(t, d.ev.Err())
	assert.Equal(t, owner, d.target)

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("peer never accepted")
	}

	buf := make([]byte, 4)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = readFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = peer.Write([]byte("pong"))
	require.NoError(t, err)
	d = next(t, snd)
	require.Equal(t, EventRecv, d.ev.Kind)
	assert.Equal(t, "pong", string(d.ev.Data))

	host, _, err := m.AddrInfo(id)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	require.NoError(t, peer.Close())
	d = next(t, snd)
	assert.Equal(t, EventBreak, d.ev.Kind)
	assert.Equal(t, id, d.ev.ID)

	assert.Eventually(t, func() bool { return m.State(id) == StateInvalid }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Send(id, []byte("x")), ErrInvalidSocketID)
}

func TestConnectRefused(t *testing.T) {
	m, snd := startManager(t)
	// grab a free port, then release it
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	id, err := m.Connect("127.0.0.1", port, 4)
	if err != nil {
		var oe *OsError
		require.True(t, errors.As(err, &oe))
		return
	}
	d := next(t, snd)
	assert.Equal(t, EventConnected, d.ev.Kind)
	assert.Equal(t, id, d.ev.ID)
	assert.Error(t, d.ev.Err())
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	m, snd := startManager(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	id, err := m.Connect("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, 5)
	require.NoError(t, err)
	d := next(t, snd)
	require.Equal(t, EventConnected, d.ev.Kind)
	peer := <-accepted
	defer peer.Close()

	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, m.Send(id, payload))
	require.NoError(t, m.Close(id))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(10*time.Second)))
	got := make([]byte, len(payload))
	_, err = readFull(peer, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Eventually(t, func() bool { return m.State(id) == StateInvalid }, 5*time.Second, 5*time.Millisecond)
}

func TestCloseWhileConnectingFlushesPendingWrites(t *testing.T) {
	m, _ := startManager(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	id, err := m.Connect("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, 5)
	require.NoError(t, err)
	require.NoError(t, m.Send(id, []byte("hello")))
	require.NoError(t, m.Close(id))

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
	defer peer.Close()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	assert.Eventually(t, func() bool { return m.State(id) == StateInvalid }, 5*time.Second, 5*time.Millisecond)
}

func TestInvalidIDs(t *testing.T) {
	m, _ := startManager(t)
	tests := []struct {
		name string
		call func() error
	}{
		{"send negative", func() error { return m.Send(-1, []byte("x")) }},
		{"send unknown", func() error { return m.Send(12345, []byte("x")) }},
		{"close unknown", func() error { return m.Close(12345) }},
		{"attach unknown", func() error { return m.Attach(12345, 1) }},
		{"addrinfo unknown", func() error { _, _, err := m.AddrInfo(12345); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrInvalidSocketID)
		})
	}

	lid, _ := listenLocal(t, m, 1)
	assert.ErrorIs(t, m.Send(lid, []byte("x")), ErrInvalidSocketID, "listeners cannot send")
	assert.ErrorIs(t, m.Attach(lid, 2), ErrInvalidSocketID, "listeners cannot be attached")
	assert.NoError(t, m.Send(lid, nil), "empty sends are ignored")

	require.NoError(t, m.Close(lid))
	assert.Eventually(t, func() bool { return m.State(lid) == StateInvalid }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Close(lid), ErrInvalidSocketID)
}

func TestStaleIDDoesNotReachNewSocket(t *testing.T) {
	m, _ := startManager(t)
	first, _ := listenLocal(t, m, 1)
	require.NoError(t, m.Close(first))
	require.Eventually(t, func() bool { return m.State(first) == StateInvalid }, time.Second, 5*time.Millisecond)

	// walk the id counter onto the same slot
	m.nextID.Store(first + SlotCount - 1)
	second, _ := listenLocal(t, m, 1)
	require.Equal(t, first&(SlotCount-1), second&(SlotCount-1))
	require.NotEqual(t, first, second)

	assert.ErrorIs(t, m.Close(first), ErrInvalidSocketID)
	assert.Equal(t, StateInvalid, m.State(first))
	assert.Equal(t, StateListen, waitState(t, m, second, StateListen))
}

func TestListenBadAddress(t *testing.T) {
	m, _ := startManager(t)
	_, err := m.Listen("127.0.0.1", 70000, 1)
	assert.Error(t, err)

	// occupy a port, then ask for it again without SO_REUSEPORT
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, err = m.Listen("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, 1)
	var oe *OsError
	assert.ErrorAs(t, err, &oe)
}

func TestRunStopsAndClosesSockets(t *testing.T) {
	snd := &chanSender{t: t, ch: make(chan delivery, 16)}
	m, err := New(snd)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	id, err := m.Listen("127.0.0.1", 0, 1)
	require.NoError(t, err)
	waitState(t, m, id, StateListen)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateInvalid, m.State(id))
	_, err = m.Listen("127.0.0.1", 0, 1)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func waitState(t *testing.T, m *Manager, id int32, want State) State {
	t.Helper()
	require.Eventually(t, func() bool { return m.State(id) == want }, 2*time.Second, 5*time.Millisecond)
	return want
}

func readFull(c net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := c.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
