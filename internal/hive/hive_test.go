package hive

import (
	"context"
	"math"
	"net"
	"strconv"
	"testing"
	"time"

	"hive/internal/kernel"
	"hive/internal/socket"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHive(t *testing.T) *Hive {
	t.Helper()
	h, err := New(Config{Workers: 2, Tick: time.Millisecond, ShutdownGrace: time.Second})
	require.NoError(t, err)
	return h
}

// runHive runs h until the test ends.
func runHive(t *testing.T, h *Hive) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	t.Cleanup(func() {
		h.Exit()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("hive did not stop")
		}
	})
}

func chanActor(ch chan<- kernel.Message) kernel.Actor {
	return kernel.Handler(func(_ *kernel.ActCtx, msg kernel.Message) error {
		ch <- msg
		return nil
	})
}

func waitMsg(t *testing.T, ch <-chan kernel.Message, typ kernel.MessageType) kernel.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-ch:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message", typ)
			return kernel.Message{}
		}
	}
}

func TestRegisterResolvesFactories(t *testing.T) {
	h := newHive(t)
	var seen []string
	mk := func(h *Hive, path string) (kernel.Actor, error) {
		seen = append(seen, path)
		return kernel.Handler(func(*kernel.ActCtx, kernel.Message) error { return nil }), nil
	}
	h.RegisterFactory(".js", mk)
	h.RegisterFactory("sqlite", mk)
	h.RegisterFactory("broken", func(*Hive, string) (kernel.Actor, error) {
		return nil, errors.New("no such database")
	})

	tests := []struct {
		path    string
		wantErr error
	}{
		{path: "scripts/echo.js"},
		{path: "sqlite://:memory:"},
		{path: "mysql://root@localhost/db", wantErr: ErrNoFactory},
		{path: "echo.lua", wantErr: ErrNoFactory},
		{path: "broken://x"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			hd, err := h.Register(tt.path, tt.path)
			switch {
			case tt.path == "broken://x":
				require.Error(t, err)
				assert.Contains(t, err.Error(), "no such database")
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, hd)
			default:
				require.NoError(t, err)
				assert.NotZero(t, hd)
				got, ok := h.ActorByName(tt.path)
				assert.True(t, ok)
				assert.Equal(t, hd, got)
			}
		})
	}
	assert.Equal(t, []string{"scripts/echo.js", "sqlite://:memory:"}, seen)
	assert.Equal(t, []string{".js", "broken://", "sqlite://"}, h.Kinds())
}

func TestTimeoutDeliversTimerMessage(t *testing.T) {
	h := newHive(t)
	ch := make(chan kernel.Message, 16)
	hd, err := h.RegisterActor("sleeper", chanActor(ch))
	require.NoError(t, err)
	runHive(t, h)

	session := h.Timeout(5, hd)
	m := waitMsg(t, ch, kernel.MsgTimer)
	assert.Equal(t, session, m.Session)
	assert.Equal(t, kernel.SysHandle, m.Source)

	next := h.Timeout(-3, hd)
	assert.Equal(t, session+1, next)
	m = waitMsg(t, ch, kernel.MsgTimer)
	assert.Equal(t, next, m.Session)
}

func TestClampTicks(t *testing.T) {
	type tc struct {
		in   int
		want uint32
	}
	tests := []tc{
		{-3, 0},
		{0, 0},
		{5, 5},
		{math.MaxInt32, math.MaxInt32},
	}
	if strconv.IntSize == 64 {
		wide := int64(math.MaxUint32)
		tests = append(tests, tc{int(wide), math.MaxUint32}, tc{int(wide + 6), math.MaxUint32}, tc{math.MaxInt, math.MaxUint32})
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, clampTicks(tt.in))
		})
	}
}

func TestExitReleasesActors(t *testing.T) {
	h := newHive(t)
	ch := make(chan kernel.Message, 16)
	_, err := h.RegisterActor("a", chanActor(ch))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	waitMsg(t, ch, kernel.MsgCreate)

	// an actor may stop the whole hive
	_, err = h.RegisterActor("quitter", kernel.Handler(func(_ *kernel.ActCtx, msg kernel.Message) error {
		if msg.Type == kernel.MsgNormal {
			h.Exit()
		}
		return nil
	}))
	require.NoError(t, err)
	q, _ := h.ActorByName("quitter")
	require.NoError(t, h.Send(kernel.SysHandle, q, kernel.MsgNormal, 0, nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Exit")
	}
	waitMsg(t, ch, kernel.MsgRelease)
	assert.Zero(t, h.Kernel().Len())
	h.Exit()

	assert.Error(t, h.Run(context.Background()), "a hive runs once")
}

// An actor listens, hands each accepted connection to a second actor and
// that actor echoes what it receives.
func TestSocketEchoThroughActors(t *testing.T) {
	h := newHive(t)
	runHive(t, h)

	echo, err := h.RegisterActor("echo", kernel.Handler(func(_ *kernel.ActCtx, msg kernel.Message) error {
		if msg.Type != kernel.MsgSocket {
			return nil
		}
		ev, err := socket.DecodeEvent(msg.Payload)
		if err != nil {
			return err
		}
		if ev.Kind == socket.EventRecv {
			return h.SocketSend(ev.ID, append([]byte(nil), ev.Data...))
		}
		return nil
	}))
	require.NoError(t, err)

	var listenID int32
	ready := make(chan int, 1)
	_, err = h.RegisterActor("acceptor", kernel.Handler(func(ctx *kernel.ActCtx, msg kernel.Message) error {
		switch msg.Type {
		case kernel.MsgCreate:
			id, err := h.SocketListen("127.0.0.1", 0, ctx.Self)
			if err != nil {
				return err
			}
			listenID = id
			_, port, err := h.SocketAddrInfo(id)
			if err != nil {
				return err
			}
			ready <- port
		case kernel.MsgSocket:
			ev, err := socket.DecodeEvent(msg.Payload)
			if err != nil {
				return err
			}
			if ev.Kind == socket.EventAccept && ev.ID == listenID {
				return h.SocketAttach(ev.NewID, echo)
			}
		}
		return nil
	}))
	require.NoError(t, err)

	var port int
	select {
	case port = <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never started")
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("hello hive"))
	require.NoError(t, err)
	buf := make([]byte, len("hello hive"))
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		require.NoError(t, err)
		n += k
	}
	assert.Equal(t, "hello hive", string(buf))
}
