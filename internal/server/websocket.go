package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/masterbot-platform/gateway/internal/access"
	"github.com/masterbot-platform/gateway/internal/auth"
	"github.com/masterbot-platform/gateway/internal/gateway"
	"github.com/masterbot-platform/gateway/internal/metrics"
)

// Close codes in the private range the mini app understands.
const (
	closeAuthFailed   = 4001
	closeCapacity     = 4002
	closeAccessDenied = 4003
)

// writeWait bounds the close frames sent to rejected clients.
const writeWait = 10 * time.Second

// devUserId identifies connections on the unauthenticated dev endpoint.
const devUserId = 12345

// OriginChecker restricts websocket upgrades to the configured mini app
// origins. A lone "*" disables the restriction.
type OriginChecker struct {
	allowAll bool
	allowed  map[string]struct{}
}

func NewOriginChecker(origins []string) *OriginChecker {
	checker := &OriginChecker{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		if origin == "*" {
			checker.allowAll = true

			continue
		}
		checker.allowed[strings.TrimSuffix(origin, "/")] = struct{}{}
	}

	return checker
}

// Check is shaped for websocket.Upgrader.CheckOrigin. Requests without an
// Origin header are not browsers and pass through.
func (c *OriginChecker) Check(r *http.Request) bool {
	if c.allowAll {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	_, ok := c.allowed[strings.TrimSuffix(origin, "/")]

	return ok
}

type WebSocketServer struct {
	logger       *zap.Logger
	upgrader     *websocket.Upgrader
	telegramAuth *auth.TelegramAuthenticator
	checker      *access.Checker
	manager      *gateway.Manager
	metrics      *metrics.Metrics
	devMode      bool
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	telegramAuth *auth.TelegramAuthenticator,
	checker *access.Checker,
	manager *gateway.Manager,
	m *metrics.Metrics,
	devMode bool,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		telegramAuth,
		checker,
		manager,
		m,
		devMode,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/ws", s.handleClient)
	if s.devMode {
		router.HandleFunc("/ws/dev", s.handleDev)
	}
}

// handleClient upgrades first and authenticates after, because the 4xxx
// close codes the mini app reacts to only exist on an established websocket.
func (s *WebSocketServer) handleClient(w http.ResponseWriter, r *http.Request) {
	initData := r.URL.Query().Get("initData")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))

		return
	}

	identity, err := s.telegramAuth.Validate(initData)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AuthFailures.Inc()
		}
		s.logger.Warn("websocket auth failed", zap.Error(err))
		s.reject(conn, closeAuthFailed, err.Error())

		return
	}

	if s.checker != nil {
		if err := s.checker.Check(r.Context(), identity.UserID); err != nil {
			s.logger.Warn("websocket access denied",
				zap.Int64("userId", identity.UserID),
				zap.Error(err))
			s.reject(conn, closeAccessDenied, "Access denied")

			return
		}
	}

	s.serve(conn, identity)
}

func (s *WebSocketServer) handleDev(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))

		return
	}

	s.serve(conn, &auth.Identity{UserID: devUserId, FirstName: "Dev"})
}

func (s *WebSocketServer) serve(conn *websocket.Conn, identity *auth.Identity) {
	err := s.manager.Serve(conn, identity)
	if err == nil {
		return
	}

	if errors.Is(err, gateway.ErrCapacityReached) {
		s.reject(conn, closeCapacity, "Connection limit reached")

		return
	}

	s.reject(conn, websocket.CloseTryAgainLater, "Service unavailable")
}

// reject closes a connection that never got admitted. Close reasons ride in
// a control frame capped at 125 bytes, 2 of which the code takes.
func (s *WebSocketServer) reject(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}

	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
