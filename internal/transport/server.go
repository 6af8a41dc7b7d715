// Package transport implements the relay's client-facing WebSocket surface:
// one JSON-framed event per message, handlers run sequentially per session
// and concurrently across sessions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cipherlink/relay/internal/account"
	"github.com/cipherlink/relay/internal/dispatch"
	"github.com/cipherlink/relay/internal/invite"
	"github.com/cipherlink/relay/internal/metrics"
	"github.com/cipherlink/relay/internal/registry"
	"github.com/cipherlink/relay/internal/safety"
)

// DefaultMaxFrameBytes caps one inbound WebSocket message. Payloads are
// bounded separately at the dispatcher.
const DefaultMaxFrameBytes = 10 << 20

const (
	defaultPingInterval = 30 * time.Second
	defaultIdleTimeout  = 90 * time.Second
)

// errSessionDone signals an orderly client-requested disconnect.
var errSessionDone = errors.New("session done")

// Config wires the runtime dependencies for the transport surface.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Accounts   account.Store
	Invites    *invite.Store
	Safety     *safety.Log
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// SyncCodeTTL is the freshness window a code must satisfy for link_pc.
	SyncCodeTTL time.Duration

	MaxFrameBytes int64
	PingInterval  time.Duration
	IdleTimeout   time.Duration
}

type Server struct {
	dispatcher *dispatch.Dispatcher
	reg        *registry.Registry
	accounts   account.Store
	invites    *invite.Store
	safety     *safety.Log
	metrics    *metrics.Metrics
	log        *slog.Logger

	syncCodeTTL   time.Duration
	maxFrameBytes int64
	pingInterval  time.Duration
	idleTimeout   time.Duration

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

type handlerFunc func(ctx context.Context, sess *Session, data json.RawMessage) error

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		dispatcher: cfg.Dispatcher,
		reg:        cfg.Registry,
		accounts:   cfg.Accounts,
		invites:    cfg.Invites,
		safety:     cfg.Safety,
		metrics:    m,
		log:        log,

		syncCodeTTL:   cfg.SyncCodeTTL,
		maxFrameBytes: cfg.MaxFrameBytes,
		pingInterval:  cfg.PingInterval,
		idleTimeout:   cfg.IdleTimeout,

		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
	if s.syncCodeTTL <= 0 {
		s.syncCodeTTL = 5 * time.Minute
	}
	if s.maxFrameBytes <= 0 {
		s.maxFrameBytes = DefaultMaxFrameBytes
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}

	s.handlers = map[string]handlerFunc{
		EventGetSalt:           s.handleGetSalt,
		EventRegisterMaster:    s.handleRegisterMaster,
		EventCreateInviteCode:  s.handleCreateInviteCode,
		EventResolveInviteCode: s.handleResolveInviteCode,
		EventLinkPC:            s.handleLinkPC,
		EventRelay:             s.handleRelay,
		EventMsgAck:            s.handleMsgAck,
		EventGetPresence:       s.handleGetPresence,
		EventBlockUser:         s.handleBlockUser,
		EventReportUser:        s.handleReportUser,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := newSession(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	if !s.track(sess) {
		sess.writeClose(websocket.CloseGoingAway, "server shutting down")
		sess.Close()
		return
	}
	s.metrics.Inc(metrics.SessionsOpened)
	s.log.Debug("session opened", "session", sess.ID())

	go sess.pingLoop(s.pingInterval)
	s.readLoop(r.Context(), sess)

	s.dispatcher.HandleDisconnect(context.Background(), sess.ID())
	s.untrack(sess)
	sess.Close()
	s.metrics.Inc(metrics.SessionsClosed)
	s.log.Debug("session closed", "session", sess.ID())
}

func (s *Server) readLoop(ctx context.Context, sess *Session) {
	conn := sess.conn
	conn.SetReadLimit(s.maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if msgType != websocket.TextMessage {
			sess.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.emitError(sess, dispatch.E(dispatch.KindInvalidArgument, "malformed event frame"))
			continue
		}

		if f.Event == EventDisconnect {
			sess.writeClose(websocket.CloseNormalClosure, "")
			return
		}

		if err := s.handleFrame(ctx, sess, f); err != nil {
			if errors.Is(err, errSessionDone) {
				return
			}
			s.emitError(sess, err)
		}
	}
}

// handleFrame runs one event handler, converting a handler panic into a
// session teardown rather than a process fault.
func (s *Server) handleFrame(ctx context.Context, sess *Session, f frame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("handler panic", "event", f.Event, "session", sess.ID(), "panic", rec)
			err = errSessionDone
		}
	}()

	h, ok := s.handlers[f.Event]
	if !ok {
		return dispatch.E(dispatch.KindInvalidArgument, "unknown event "+f.Event)
	}
	return h(ctx, sess, f.Data)
}

func (s *Server) emitError(sess *Session, err error) {
	var derr *dispatch.Error
	if !errors.As(err, &derr) {
		derr = dispatch.E(dispatch.KindKVUnavailable, "internal error")
		s.log.Error("handler failed", "session", sess.ID(), "err", err)
	}
	_ = sess.Emit(EventErrorMsg, errorMsg{Kind: string(derr.Kind), Message: derr.Message})
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Close refuses new sessions and tears down the live ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*Session]struct{})
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.writeClose(websocket.CloseGoingAway, "server shutting down")
		sess.Close()
	}
}
