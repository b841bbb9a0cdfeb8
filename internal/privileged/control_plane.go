// Package privileged serves the HTTP control plane: it lists actors and
// injects messages from outside the process.
package privileged

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"hive/internal/kernel"
	"hive/internal/logger"
	"hive/internal/util/future"

	"github.com/pkg/errors"
)

// ===== Control Plane (HTTP) =====
var log = logger.NewLogger("control plane", kernel.SystemLogLevel())

const defaultCallTimeout = 3 * time.Second

var errCallerReleased = errors.New("caller released before a reply arrived")

// Kernel is what the control plane needs from the kernel.
type Kernel interface {
	kernel.IKernel
	Actors() []kernel.ActorInfo
}

type ControlPlane struct {
	kernel  Kernel
	session atomic.Int32
}

func New(k Kernel) *ControlPlane {
	return &ControlPlane{kernel: k}
}

func (c *ControlPlane) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/actors", c.handleActors)
	mux.HandleFunc("/send", c.handleSend)
	mux.HandleFunc("/call", c.handleCall)
	return mux
}

// Serve listens on addr until ctx is done.
func (c *ControlPlane) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "control plane")
	}
	return c.serve(ctx, ln)
}

func (c *ControlPlane) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Infof("listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "control plane")
	}
	return nil
}

func (c *ControlPlane) handleActors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, c.kernel.Actors())
}

// handleSend queues a Normal message and returns without waiting.
func (c *ControlPlane) handleSend(w http.ResponseWriter, r *http.Request) {
	req, from, to, ok := c.decode(w, r)
	if !ok {
		return
	}
	if err := c.kernel.Send(from, to, kernel.MsgNormal, req.Session, []byte(req.Payload)); err != nil {
		writeJSON(w, http.StatusNotFound, sendResp{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, sendResp{OK: true})
}

// handleCall registers a short-lived actor that sends the request and
// waits for the first Normal message the target sends back with the same
// session.
func (c *ControlPlane) handleCall(w http.ResponseWriter, r *http.Request) {
	req, _, to, ok := c.decode(w, r)
	if !ok {
		return
	}
	session := req.Session
	if session == 0 {
		session = c.session.Add(1) & 0x7fffffff
	}
	reply := future.NewCompletable[kernel.Message]()
	caller := kernel.Handler(func(ctx *kernel.ActCtx, msg kernel.Message) error {
		switch msg.Type {
		case kernel.MsgCreate:
			if err := ctx.Send(to, session, []byte(req.Payload)); err != nil {
				reply.Fail(err)
				return ctx.Exit()
			}
		case kernel.MsgNormal:
			if msg.Source == to && msg.Session == session {
				reply.Complete(msg)
				return ctx.Exit()
			}
		case kernel.MsgRelease:
			reply.Fail(errCallerReleased)
		}
		return nil
	})
	h, err := c.kernel.Register("", caller)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, sendResp{OK: false, Error: err.Error()})
		return
	}

	timeout := defaultCallTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	msg, err := reply.AwaitContext(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		_ = c.kernel.Unregister(h)
		writeJSON(w, http.StatusGatewayTimeout, sendResp{OK: false, Error: "timeout"})
	case err != nil:
		_ = c.kernel.Unregister(h)
		writeJSON(w, http.StatusBadGateway, sendResp{OK: false, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, sendResp{OK: true, Session: msg.Session, Reply: string(msg.Payload)})
	}
}

func (c *ControlPlane) decode(w http.ResponseWriter, r *http.Request) (sendReq, kernel.Handle, kernel.Handle, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return sendReq{}, 0, 0, false
	}
	var req sendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResp{OK: false, Error: err.Error()})
		return sendReq{}, 0, 0, false
	}
	from := kernel.SysHandle
	if req.From != "" {
		h, ok := c.resolve(req.From)
		if !ok {
			writeJSON(w, http.StatusNotFound, sendResp{OK: false, Error: "unknown from"})
			return sendReq{}, 0, 0, false
		}
		from = h
	}
	to, ok := c.resolve(req.To)
	if !ok {
		writeJSON(w, http.StatusNotFound, sendResp{OK: false, Error: "unknown to"})
		return sendReq{}, 0, 0, false
	}
	return req, from, to, true
}

// resolve accepts a registered name or a numeric handle.
func (c *ControlPlane) resolve(s string) (kernel.Handle, bool) {
	if h, ok := c.kernel.ActorByName(s); ok {
		return h, true
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return kernel.Handle(n), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

type sendReq struct {
	From      string `json:"from,omitempty"` // actor name or handle; the system when empty
	To        string `json:"to"`             // target actor name or handle
	Session   int32  `json:"session,omitempty"`
	Payload   string `json:"payload"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type sendResp struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Session int32  `json:"session,omitempty"`
	Reply   string `json:"reply,omitempty"`
}
