package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/clients"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/controlapi"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/ratelimit"
)

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	defaultMaxForwardBodyBytes  = 256 * 1024
	wsWriteWait                 = 1 * time.Second
)

type ServerConfig struct {
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	// IdleTimeout closes a session that sends nothing, pongs included, for
	// this long.
	IdleTimeout time.Duration
	// CheckOrigin is consulted on upgrade; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
	// ControlLimiter bounds /forward and /poll-signaling requests per remote
	// IP. Nil disables the limit.
	ControlLimiter *ratelimit.KeyedLimiter
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdleTimeout <= c.PingInterval {
		c.IdleTimeout = 3 * c.PingInterval
	}
}

// Server exposes a Relay over HTTP: WebSocket sessions on /signal and the
// relay-to-relay endpoints /forward and /poll-signaling.
type Server struct {
	cfg      ServerConfig
	relay    *Relay
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg ServerConfig, relay *Relay, m *metrics.Metrics, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg:      cfg,
		relay:    relay,
		metrics:  m,
		log:      logger.With("component", "signaling_ws"),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		sessions: make(map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+controlapi.PathSignal, s.handleSignal)
	mux.HandleFunc("POST "+controlapi.PathForward, s.handleForward)
	mux.HandleFunc("GET "+controlapi.PathPoll, s.handlePoll)
}

// Close terminates every open session. Later upgrades are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*wsSession, 0, len(s.sessions))
	for wss := range s.sessions {
		open = append(open, wss)
	}
	s.mu.Unlock()

	for _, wss := range open {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		wss.Close()
	}
}

// observedAddress is the address a client connecting from remote is known
// by. A loopback client shares the host with this relay, so it takes the
// relay's own address.
func (s *Server) observedAddress(remote string) netaddr.Addr {
	addr, err := netaddr.FromRemoteAddr(remote)
	if err != nil {
		return netaddr.Addr{}
	}
	if addr.IsLoopback() && s.relay.LocalAddress().IsValid() {
		return s.relay.LocalAddress()
	}
	return addr
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		controlapi.WriteError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wss := &wsSession{
		srv:     s,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond),
		done:    make(chan struct{}),
	}
	wss.session = clients.NewSession(s.observedAddress(r.RemoteAddr), wss)

	s.mu.Lock()
	s.sessions[wss] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, wss)
		s.mu.Unlock()
	}()

	wss.run(context.WithoutCancel(r.Context()))
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	from, err := netaddr.FromRemoteAddr(r.RemoteAddr)
	if err != nil {
		controlapi.WriteJSON(w, http.StatusBadRequest, controlapi.ForwardResponse{Error: "unknown sender"})
		return
	}
	if !s.allowControl(from) {
		controlapi.WriteJSON(w, http.StatusTooManyRequests, controlapi.ForwardResponse{Error: "rate limited"})
		return
	}

	var env Envelope
	body := http.MaxBytesReader(w, r.Body, defaultMaxForwardBodyBytes)
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		controlapi.WriteJSON(w, http.StatusBadRequest, controlapi.ForwardResponse{Error: "invalid JSON body"})
		return
	}
	if !relayable(env.Type) {
		controlapi.WriteJSON(w, http.StatusBadRequest, controlapi.ForwardResponse{Error: "unsupported message type"})
		return
	}
	if _, err := netaddr.Parse(env.TargetAddress); err != nil {
		controlapi.WriteJSON(w, http.StatusBadRequest, controlapi.ForwardResponse{Error: "invalid targetAddress"})
		return
	}
	if s.relay.validatePayloads {
		if err := ValidatePayload(env.Type, env.Payload); err != nil {
			controlapi.WriteJSON(w, http.StatusBadRequest, controlapi.ForwardResponse{Error: err.Error()})
			return
		}
	}

	delivered := s.relay.Receive(env, from)
	controlapi.WriteJSON(w, http.StatusOK, controlapi.ForwardResponse{Success: true, Delivered: delivered})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if from, err := netaddr.FromRemoteAddr(r.RemoteAddr); err == nil && !s.allowControl(from) {
		controlapi.WriteJSON(w, http.StatusTooManyRequests, controlapi.PollResponse{
			Messages: []json.RawMessage{},
			Error:    "rate limited",
		})
		return
	}
	raw := r.URL.Query().Get("address")
	if raw == "" {
		controlapi.WriteJSON(w, http.StatusBadRequest, controlapi.PollResponse{
			Messages: []json.RawMessage{},
			Error:    "missing address",
		})
		return
	}
	addr, err := netaddr.Parse(raw)
	if err != nil {
		controlapi.WriteJSON(w, http.StatusBadRequest, controlapi.PollResponse{
			Messages: []json.RawMessage{},
			Error:    "invalid address",
		})
		return
	}

	envs := s.relay.Poll(addr)
	msgs := make([]json.RawMessage, 0, len(envs))
	for _, env := range envs {
		b, err := json.Marshal(env)
		if err != nil {
			continue
		}
		msgs = append(msgs, b)
	}
	controlapi.WriteJSON(w, http.StatusOK, controlapi.PollResponse{
		Success:  true,
		Messages: msgs,
		Count:    len(msgs),
	})
}

func (s *Server) allowControl(from netaddr.Addr) bool {
	if s.cfg.ControlLimiter.Allow(from.String()) {
		return true
	}
	s.metrics.Inc(metrics.ControlRateLimited)
	return false
}

type wsSession struct {
	srv     *Server
	conn    *websocket.Conn
	session *clients.Session
	limiter *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Send implements clients.Sender.
func (wss *wsSession) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

func (wss *wsSession) run(ctx context.Context) {
	srv := wss.srv
	registry := srv.relay.Clients()

	defer wss.Close()
	defer registry.Disconnect(wss.session)

	srv.metrics.Inc(metrics.SessionsOpened)
	defer srv.metrics.Inc(metrics.SessionsClosed)

	log := srv.log.With("session_id", wss.session.ID, "observed", wss.session.Observed.String())
	log.Info("session_opened")
	defer log.Info("session_closed")

	if evicted := registry.Connect(wss.session); evicted != nil {
		srv.metrics.Inc(metrics.AddressConflicts)
		log.Info("address_conflict", "evicted_session_id", evicted.ID)
	}

	wss.conn.SetReadLimit(srv.cfg.MaxMessageBytes)
	_ = wss.conn.SetReadDeadline(time.Now().Add(srv.cfg.IdleTimeout))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(srv.cfg.IdleTimeout))
	})
	go wss.pingLoop()

	if err := wss.Send(serverMessage{Type: TypeConnected, YourAddress: wss.session.Observed.String()}); err != nil {
		return
	}
	srv.relay.FlushQueued(wss.session, wss.session.Observed)

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			// gorilla has already sent the 1009 close frame.
			if errors.Is(err, websocket.ErrReadLimit) {
				srv.metrics.Inc(metrics.SessionsOversize)
				log.Warn("session_message_too_large", "limit", srv.cfg.MaxMessageBytes)
				wss.linger()
			}
			return
		}
		_ = wss.conn.SetReadDeadline(time.Now().Add(srv.cfg.IdleTimeout))

		// Checked after the read so the close frame is not lost to a reset
		// caused by unread bytes.
		if !wss.limiter.Allow() {
			srv.metrics.Inc(metrics.SessionsRateLimited)
			log.Warn("session_rate_limited")
			wss.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			wss.linger()
			return
		}
		if msgType != websocket.TextMessage {
			wss.sendError(CodeBadMessage, "expected text message")
			continue
		}

		err = srv.relay.HandleClient(ctx, wss.session, data)
		var perr *ProtocolError
		switch {
		case err == nil:
		case errors.As(err, &perr):
			log.Debug("session_message_rejected", "code", perr.Code, "err", perr.Message)
			wss.sendError(perr.Code, perr.Message)
		default:
			log.Warn("session_write_failed", "err", err)
			return
		}
	}
}

func (wss *wsSession) pingLoop() {
	ticker := time.NewTicker(wss.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) sendError(code, message string) {
	_ = wss.Send(serverMessage{Type: TypeError, Code: code, Message: message})
}

func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	wss.sendError(code, message)
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// linger discards unread input for a short while after a close frame so the
// socket is not reset before the peer reads it.
func (wss *wsSession) linger() {
	nc := wss.conn.UnderlyingConn()
	_ = nc.SetReadDeadline(time.Now().Add(wsWriteWait))
	_, _ = io.Copy(io.Discard, io.LimitReader(nc, wss.srv.cfg.MaxMessageBytes*int64(wss.srv.cfg.MaxMessagesPerSecond)))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		_ = wss.conn.Close()
	})
}
