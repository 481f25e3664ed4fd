package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/masterbot-platform/gateway/internal/auth"
	"github.com/masterbot-platform/gateway/internal/ierr"
	"github.com/masterbot-platform/gateway/internal/metrics"
)

// writeWait bounds every transport write, control frames included.
const writeWait = 10 * time.Second

// maxFrameSize caps inbound client frames; control frames are tiny.
const maxFrameSize = 1024

var (
	ErrCapacityReached = errors.New("connection limit reached")
	ErrShuttingDown    = errors.New("gateway is shutting down")

	errMalformedFrame = errors.New("malformed frame")
	errInvalidTopic   = errors.New("invalid topic")
)

// Close reasons, used as log fields and metric labels.
const (
	reasonTransport    = "transport"
	reasonHeartbeat    = "heartbeat"
	reasonBackpressure = "backpressure"
	reasonShutdown     = "shutdown"
	reasonReplaced     = "replaced"
)

var topicPattern = regexp.MustCompile(`^([\w-]+:?)*\w$`)

type Config struct {
	MaxConnections    int
	SendQueueSize     int
	HeartbeatInterval time.Duration
}

// Manager owns every client connection: admission, the per-connection read
// and write loops, heartbeats, fan-out, and teardown. The Registry it embeds
// is updated synchronously inside the same operations that mutate the
// connection set, so the two views never drift.
type Manager struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	config  Config

	registry *Registry
	now      func() time.Time

	mu           sync.RWMutex
	connections  map[string]*Connection
	byUser       map[int64]string
	shuttingDown bool
}

func NewManager(logger *zap.Logger, m *metrics.Metrics, config Config) *Manager {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 1000
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}

	return &Manager{
		logger:      logger,
		metrics:     m,
		config:      config,
		registry:    NewRegistry(),
		now:         time.Now,
		connections: make(map[string]*Connection),
		byUser:      make(map[int64]string),
	}
}

// Count reports the number of open connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.connections)
}

// Serve admits the socket and blocks until the connection closes. A non-nil
// error means admission was rejected and no connection was created; the
// caller still owns the socket in that case.
func (m *Manager) Serve(sock Socket, identity *auth.Identity) error {
	connection, err := m.admit(sock, identity)
	if err != nil {
		return err
	}

	go m.writeLoop(connection)
	m.readLoop(connection)

	m.close(connection, reasonTransport)

	return nil
}

func (m *Manager) admit(sock Socket, identity *auth.Identity) (*Connection, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeInternal, err)
	}

	connection := newConnection(id, identity, sock, m.config.SendQueueSize, m.now())

	var replaced *Connection

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()

		return nil, ierr.New(ierr.ErrorCodeUnavailable, ErrShuttingDown)
	}
	if len(m.connections) >= m.config.MaxConnections {
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.AdmissionsRejected.WithLabelValues("capacity").Inc()
		}

		return nil, ierr.New(ierr.ErrorCodeResourceExhausted, ErrCapacityReached)
	}
	if identity != nil {
		if oldId, ok := m.byUser[identity.UserID]; ok {
			replaced = m.connections[oldId]
		}
		m.byUser[identity.UserID] = id
	}
	m.connections[id] = connection
	total := len(m.connections)
	m.mu.Unlock()

	// The newest connection wins; a user reconnecting from a fresh mini app
	// session must not keep a zombie session alive.
	if replaced != nil {
		m.close(replaced, reasonReplaced)
	}

	connection.setState(StateAuthenticated)
	_ = connection.trySend(NewFrame(FrameConnected, welcomePayload(id, identity)))
	connection.setState(StateActive)

	if m.metrics != nil {
		m.metrics.ConnectionsTotal.Inc()
		m.metrics.ConnectionsActive.Inc()
	}
	m.logger.Info("client connected",
		zap.String("connectionId", id),
		zap.Int64("userId", connection.UserId()),
		zap.Int("totalConnections", total))

	return connection, nil
}

type welcomeData struct {
	ConnectionId string `json:"connection_id"`
	UserId       int64  `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Message      string `json:"message"`
}

func welcomePayload(id string, identity *auth.Identity) welcomeData {
	welcome := welcomeData{
		ConnectionId: id,
		Message:      "Connected to Mini App Gateway",
	}
	if identity != nil {
		welcome.UserId = identity.UserID
		welcome.Username = identity.Username
	}

	return welcome
}

func (m *Manager) readLoop(c *Connection) {
	c.sock.SetReadLimit(maxFrameSize)
	c.sock.SetPongHandler(func(string) error {
		c.touch(m.now())

		return nil
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}

		c.touch(m.now())
		m.handleClientFrame(c, data)
	}
}

func (m *Manager) writeLoop(c *Connection) {
	for {
		select {
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				m.logger.Error("failed to encode frame",
					zap.String("connectionId", c.Id),
					zap.String("type", frame.Type),
					zap.Error(err))

				continue
			}

			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				m.close(c, reasonTransport)

				return
			}

			if m.metrics != nil {
				m.metrics.FramesSent.Inc()
			}
		case <-c.done:
			return
		}
	}
}

func (m *Manager) handleClientFrame(c *Connection, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		// Early mini app builds sent a bare "ping" string; keep answering it.
		if strings.EqualFold(strings.TrimSpace(string(data)), FramePing) {
			m.sendPong(c)

			return
		}

		m.sendError(c, ierr.New(ierr.ErrorCodeInvalidArgument, errMalformedFrame))

		return
	}

	switch frame.Type {
	case FramePing:
		m.sendPong(c)
	case FrameSubscribe:
		m.handleSubscribe(c, frame.Topic)
	case FrameUnsubscribe:
		m.handleUnsubscribe(c, frame.Topic)
	default:
		m.sendError(c, ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("unknown frame type %q", frame.Type)))
	}
}

func (m *Manager) handleSubscribe(c *Connection, topic string) {
	if !topicPattern.MatchString(topic) {
		m.sendError(c, ierr.New(ierr.ErrorCodeInvalidArgument, errInvalidTopic))

		return
	}

	// The read loop may still be draining frames it pulled before another
	// actor closed the connection; a closed id must never enter the registry.
	if c.State() >= StateClosing {
		return
	}

	m.registry.Subscribe(c.Id, topic)

	// A close that ran between the state check and the insert has already
	// swept the registry, so undo the insert it could not see.
	if c.State() >= StateClosing {
		m.registry.RemoveConnection(c.Id)

		return
	}

	m.logger.Info("subscribed",
		zap.String("connectionId", c.Id),
		zap.String("topic", topic))

	m.enqueue(c, NewFrame(FrameConnected, map[string]string{"subscribed": topic}))
}

func (m *Manager) handleUnsubscribe(c *Connection, topic string) {
	if !topicPattern.MatchString(topic) {
		m.sendError(c, ierr.New(ierr.ErrorCodeInvalidArgument, errInvalidTopic))

		return
	}

	m.registry.Unsubscribe(c.Id, topic)
	m.logger.Info("unsubscribed",
		zap.String("connectionId", c.Id),
		zap.String("topic", topic))

	m.enqueue(c, NewFrame(FrameConnected, map[string]string{"unsubscribed": topic}))
}

type pongData struct {
	UserId int64 `json:"user_id,omitempty"`
}

func (m *Manager) sendPong(c *Connection) {
	m.enqueue(c, NewFrame(FramePong, pongData{UserId: c.UserId()}))
}

// sendError reports a recoverable protocol error to the client. The
// connection stays active; only transport and heartbeat failures close it.
func (m *Manager) sendError(c *Connection, err error) {
	m.enqueue(c, ErrorFrame(err))
}

// enqueue applies the backpressure policy to a single connection: a full
// queue closes the connection rather than silently dropping frames.
func (m *Manager) enqueue(c *Connection, frame Frame) {
	if err := c.trySend(frame); errors.Is(err, errQueueFull) {
		m.logger.Warn("outbound queue full, closing connection",
			zap.String("connectionId", c.Id))
		m.close(c, reasonBackpressure)
	}
}

// Dispatch delivers a frame to every connection subscribed to the topic and
// returns the number of queues reached. Target sets are snapshotted so the
// registry lock is never held while enqueuing, and a connection that cannot
// keep up is disconnected without blocking the caller or its peers.
func (m *Manager) Dispatch(topic string, frame Frame) int {
	targets := m.registry.FanoutTargets(topic)
	if len(targets) == 0 {
		return 0
	}

	m.mu.RLock()
	connections := make([]*Connection, 0, len(targets))
	for _, id := range targets {
		if connection, ok := m.connections[id]; ok {
			connections = append(connections, connection)
		}
	}
	m.mu.RUnlock()

	var stale []*Connection
	sent := 0

	for _, connection := range connections {
		switch err := connection.trySend(frame); {
		case err == nil:
			sent++
		case errors.Is(err, errQueueFull):
			m.logger.Warn("outbound queue full, closing connection",
				zap.String("connectionId", connection.Id),
				zap.String("topic", topic))
			stale = append(stale, connection)
		}
	}

	for _, connection := range stale {
		m.close(connection, reasonBackpressure)
	}

	return sent
}

// Run drives the shared heartbeat monitor until the context is cancelled.
// One ticker serves every connection; there are no per-connection timers.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep pings every live connection and closes the ones that produced no
// activity for two heartbeat intervals.
func (m *Manager) sweep() {
	deadline := 2 * m.config.HeartbeatInterval
	now := m.now()

	for _, connection := range m.snapshot() {
		if now.Sub(connection.LastActivity()) > deadline {
			m.logger.Warn("heartbeat timeout",
				zap.String("connectionId", connection.Id),
				zap.Time("lastActivity", connection.LastActivity()))
			m.close(connection, reasonHeartbeat)

			continue
		}

		_ = connection.sock.WriteControl(websocket.PingMessage, nil, now.Add(writeWait))
	}
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connections := make([]*Connection, 0, len(m.connections))
	for _, connection := range m.connections {
		connections = append(connections, connection)
	}

	return connections
}

// Shutdown closes every open connection and rejects admissions from then on.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	connections := make([]*Connection, 0, len(m.connections))
	for _, connection := range m.connections {
		connections = append(connections, connection)
	}
	m.mu.Unlock()

	for _, connection := range connections {
		m.close(connection, reasonShutdown)
	}
}

// close tears one connection down: it wins the Closing transition, detaches
// the connection from the manager and the registry in the same operation,
// sends a best-effort close frame, and releases the transport. Losing
// callers return immediately, so every path may call it safely.
func (m *Manager) close(c *Connection, reason string) {
	if !c.beginClose() {
		return
	}

	m.mu.Lock()
	delete(m.connections, c.Id)
	if c.Identity != nil && m.byUser[c.Identity.UserID] == c.Id {
		delete(m.byUser, c.Identity.UserID)
	}
	remaining := len(m.connections)
	m.mu.Unlock()

	m.registry.RemoveConnection(c.Id)

	deadline := m.now().Add(writeWait)
	_ = c.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	_ = c.sock.Close()

	c.setState(StateClosed)

	if m.metrics != nil {
		m.metrics.ConnectionsActive.Dec()
		m.metrics.ConnectionsDropped.WithLabelValues(reason).Inc()
	}
	m.logger.Info("client disconnected",
		zap.String("connectionId", c.Id),
		zap.Int64("userId", c.UserId()),
		zap.String("reason", reason),
		zap.Int("totalConnections", remaining))
}
