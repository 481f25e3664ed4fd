package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/masterbot-platform/gateway/internal/access"
	"github.com/masterbot-platform/gateway/internal/auth"
	"github.com/masterbot-platform/gateway/internal/bus"
	"github.com/masterbot-platform/gateway/internal/dashboard"
	"github.com/masterbot-platform/gateway/internal/gateway"
	"github.com/masterbot-platform/gateway/internal/ierr"
	"github.com/masterbot-platform/gateway/internal/relay"
)

const (
	defaultSignalsLimit = 20
	maxSignalsLimit     = 100

	defaultUsersLimit = 50
	maxUsersLimit     = 200
)

type RESTServer struct {
	logger         *zap.Logger
	telegramAuth   *auth.TelegramAuthenticator
	serviceAuth    *auth.ServiceAuthenticator
	checker        *access.Checker
	admin          *access.Admin
	manager        *gateway.Manager
	relay          *relay.Relay
	dashboard      *dashboard.Service
	metricsHandler http.Handler
}

func NewRESTServer(
	logger *zap.Logger,
	telegramAuth *auth.TelegramAuthenticator,
	serviceAuth *auth.ServiceAuthenticator,
	checker *access.Checker,
	admin *access.Admin,
	manager *gateway.Manager,
	r *relay.Relay,
	dashboardService *dashboard.Service,
	metricsHandler http.Handler,
) *RESTServer {
	return &RESTServer{
		logger,
		telegramAuth,
		serviceAuth,
		checker,
		admin,
		manager,
		r,
		dashboardService,
		metricsHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	router.Handle("/api/dashboard/summary",
		s.cors(s.optionalUser(http.HandlerFunc(s.handleDashboardSummary)))).
		Methods("GET", "OPTIONS")
	router.Handle("/api/signals/recent",
		s.cors(s.requireUser(http.HandlerFunc(s.handleRecentSignals)))).
		Methods("GET", "OPTIONS")

	if s.admin != nil && s.checker != nil {
		router.Handle("/api/admin/users",
			s.cors(s.requireAdmin(http.HandlerFunc(s.handleListUsers)))).
			Methods("GET", "OPTIONS")
		router.Handle("/api/admin/users",
			s.cors(s.requireAdmin(http.HandlerFunc(s.handleGrantUser)))).
			Methods("POST")
		router.Handle("/api/admin/users/{id:[0-9]+}",
			s.cors(s.requireAdmin(http.HandlerFunc(s.handleUpdateUser)))).
			Methods("PUT")
		router.Handle("/api/admin/users/{id:[0-9]+}",
			s.cors(s.requireAdmin(http.HandlerFunc(s.handleDeactivateUser)))).
			Methods("DELETE")
	}

	router.Handle("/internal/broadcast",
		s.requireService(http.HandlerFunc(s.handleBroadcast))).
		Methods("POST")

	if s.metricsHandler != nil {
		router.Handle("/metrics", s.metricsHandler).Methods("GET")
	}
}

func (s *RESTServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Telegram-Init-Data")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireUser admits only requests carrying valid init data for a user that
// passes access control.
func (s *RESTServer) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.telegramAuth.Validate(r.Header.Get("X-Telegram-Init-Data"))
		if err != nil {
			s.writeError(w, err)

			return
		}

		if s.checker != nil {
			if err := s.checker.Check(r.Context(), identity.UserID); err != nil {
				s.writeError(w, err)

				return
			}
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// optionalUser attaches an identity when valid init data is present and lets
// the request through either way. Access control is not applied here.
func (s *RESTServer) optionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity := s.telegramAuth.ValidateOptional(r.Header.Get("X-Telegram-Init-Data")); identity != nil {
			r = r.WithContext(auth.WithIdentity(r.Context(), identity))
		}

		next.ServeHTTP(w, r)
	})
}

// requireService admits only requests carrying a bearer token minted by a
// backend service.
func (s *RESTServer) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			s.writeError(w, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing bearer token")))

			return
		}

		identity, err := s.serviceAuth.Authenticate(token)
		if err != nil {
			s.writeError(w, err)

			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithServiceIdentity(r.Context(), identity)))
	})
}

// requireAdmin admits only requests carrying valid init data for a user that
// passes the admin check.
func (s *RESTServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.telegramAuth.Validate(r.Header.Get("X-Telegram-Init-Data"))
		if err != nil {
			s.writeError(w, err)

			return
		}

		if err := s.checker.CheckAdmin(r.Context(), identity.UserID); err != nil {
			s.logger.Warn("admin access denied",
				zap.Int64("userId", identity.UserID),
				zap.Error(err))
			s.writeError(w, err)

			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

type healthResponse struct {
	Status               string    `json:"status"`
	Timestamp            time.Time `json:"timestamp"`
	WebsocketConnections int       `json:"websocket_connections"`
	RelayRunning         bool      `json:"relay_running"`
}

func (s *RESTServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:               "ok",
		Timestamp:            time.Now().UTC(),
		WebsocketConnections: s.manager.Count(),
		RelayRunning:         s.relay.Running(),
	})
}

func (s *RESTServer) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		s.logger.Debug("dashboard summary requested", zap.Int64("userId", identity.UserID))
	}

	s.writeJSON(w, http.StatusOK, s.dashboard.Summary(r.Context()))
}

func (s *RESTServer) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	limit := defaultSignalsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("limit must be a positive integer")))

			return
		}
		limit = parsed
	}
	if limit > maxSignalsLimit {
		limit = maxSignalsLimit
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"signals": s.dashboard.RecentSignals(r.Context(), limit),
	})
}

type broadcastRequest struct {
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s *RESTServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var request broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body")))

		return
	}

	receivers, err := s.relay.Inject(bus.Event{
		Channel:     request.Channel,
		Kind:        request.Kind,
		Payload:     request.Data,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	service := ""
	if identity, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
		service = identity.Service
	}
	s.logger.Info("broadcast injected",
		zap.String("service", service),
		zap.String("channel", request.Channel),
		zap.Int("receivers", receivers))

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"receivers": receivers,
	})
}

type adminUser struct {
	UserID          int64      `json:"user_id"`
	Username        string     `json:"username,omitempty"`
	FirstName       string     `json:"first_name,omitempty"`
	IsActive        bool       `json:"is_active"`
	IsAdmin         bool       `json:"is_admin"`
	AccessExpiresAt *time.Time `json:"access_expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

func renderAdminUsers(records []access.Record) []adminUser {
	users := make([]adminUser, 0, len(records))
	for _, record := range records {
		users = append(users, adminUser{
			UserID:          record.UserID,
			Username:        record.Username,
			FirstName:       record.FirstName,
			IsActive:        record.IsActive,
			IsAdmin:         record.IsAdmin,
			AccessExpiresAt: record.AccessExpiresAt,
			CreatedAt:       record.CreatedAt,
		})
	}

	return users
}

func (s *RESTServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := defaultUsersLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("limit must be a positive integer")))

			return
		}
		limit = parsed
	}
	if limit > maxUsersLimit {
		limit = maxUsersLimit
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("offset must not be negative")))

			return
		}
		offset = parsed
	}

	records, err := s.admin.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"users": renderAdminUsers(records),
	})
}

type grantUserRequest struct {
	UserID    int64  `json:"user_id"`
	Days      *int   `json:"days,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

func (s *RESTServer) handleGrantUser(w http.ResponseWriter, r *http.Request) {
	var request grantUserRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body")))

		return
	}
	if request.UserID <= 0 {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("user_id is required")))

		return
	}

	// 30 days of access unless the admin says otherwise; zero is unlimited.
	days := 30
	if request.Days != nil {
		days = *request.Days
	}
	if days < 0 {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("days must not be negative")))

		return
	}

	granted, err := s.admin.Grant(r.Context(), request.UserID, days, request.Username, request.FirstName)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.logAdminAction(r, "user_"+granted.Action, request.UserID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"action":     granted.Action,
		"user_id":    request.UserID,
		"expires_at": granted.ExpiresAt,
	})
}

type updateUserRequest struct {
	IsActive   *bool `json:"is_active,omitempty"`
	IsAdmin    *bool `json:"is_admin,omitempty"`
	ExtendDays *int  `json:"extend_days,omitempty"`
}

func (s *RESTServer) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid user id")))

		return
	}

	var request updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body")))

		return
	}

	record, err := s.admin.Update(r.Context(), userID, access.UserUpdate{
		IsActive:   request.IsActive,
		IsAdmin:    request.IsAdmin,
		ExtendDays: request.ExtendDays,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.logAdminAction(r, "user_updated", userID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"user_id":    userID,
		"is_active":  record.IsActive,
		"is_admin":   record.IsAdmin,
		"expires_at": record.AccessExpiresAt,
	})
}

func (s *RESTServer) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid user id")))

		return
	}

	var actorID int64
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actorID = identity.UserID
	}

	if err := s.admin.Deactivate(r.Context(), actorID, userID); err != nil {
		s.writeError(w, err)

		return
	}

	s.logAdminAction(r, "user_deactivated", userID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"user_id": userID,
	})
}

func (s *RESTServer) logAdminAction(r *http.Request, action string, targetID int64) {
	var actorID int64
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actorID = identity.UserID
	}

	s.logger.Info("admin action",
		zap.String("action", action),
		zap.Int64("adminId", actorID),
		zap.Int64("targetUserId", targetID))
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	var taxonomyErr ierr.Error
	if !errors.As(err, &taxonomyErr) {
		taxonomyErr = ierr.New(ierr.ErrorCodeInternal, err)
	}

	s.writeJSON(w, taxonomyErr.HTTPStatus(), map[string]any{"error": taxonomyErr})
}
