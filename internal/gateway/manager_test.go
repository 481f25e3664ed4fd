package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/masterbot-platform/gateway/internal/auth"
)

// fakeSocket stands in for a websocket peer. Frames pushed to incoming are
// read by the manager; frames the manager writes are decoded and recorded.
type fakeSocket struct {
	incoming    chan []byte
	blockWrites chan struct{}
	failWrites  bool

	mu          sync.Mutex
	frames      []Frame
	pings       int
	pongHandler func(string) error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.incoming:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, net.ErrClosed
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if s.failWrites {
		return errors.New("write failed")
	}

	if s.blockWrites != nil {
		select {
		case <-s.blockWrites:
		case <-s.closed:
			return net.ErrClosed
		}
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()

	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.PingMessage {
		s.mu.Lock()
		s.pings++
		s.mu.Unlock()
	}

	return nil
}

func (s *fakeSocket) SetReadLimit(limit int64) {}

func (s *fakeSocket) SetPongHandler(handler func(string) error) {
	s.mu.Lock()
	s.pongHandler = handler
	s.mu.Unlock()
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) pong() func(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pongHandler
}

func (s *fakeSocket) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pings
}

func (s *fakeSocket) framesOfType(frameType string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Frame
	for _, frame := range s.frames {
		if frame.Type == frameType {
			matched = append(matched, frame)
		}
	}

	return matched
}

func (s *fakeSocket) push(raw string) {
	s.incoming <- []byte(raw)
}

func newTestManager(config Config) *Manager {
	return NewManager(zap.NewNop(), nil, config)
}

// connect admits the socket and waits for the welcome frame.
func connect(t *testing.T, m *Manager, identity *auth.Identity) *fakeSocket {
	t.Helper()

	sock := newFakeSocket()
	go func() { _ = m.Serve(sock, identity) }()

	assert.Eventually(t, func() bool {
		return len(sock.framesOfType(FrameConnected)) > 0
	}, time.Second, 5*time.Millisecond)

	return sock
}

// subscribeTopic sends a subscribe frame and waits for its ack.
func subscribeTopic(t *testing.T, sock *fakeSocket, topic string) {
	t.Helper()

	sock.push(`{"type":"subscribe","topic":"` + topic + `"}`)

	assert.Eventually(t, func() bool {
		for _, frame := range sock.framesOfType(FrameConnected) {
			if data, ok := frame.Data.(map[string]any); ok && data["subscribed"] == topic {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)
}

func TestManager(t *testing.T) {
	identity := &auth.Identity{UserID: 42, FirstName: "Test", Username: "tester"}

	t.Run("welcome frame on connect", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, identity)

		welcome := sock.framesOfType(FrameConnected)[0]
		data, ok := welcome.Data.(map[string]any)
		assert.True(t, ok)
		assert.NotEmpty(t, data["connection_id"])
		assert.Equal(t, float64(42), data["user_id"])
		assert.Equal(t, "tester", data["username"])
		assert.Equal(t, "Connected to Mini App Gateway", data["message"])
		assert.Equal(t, 1, m.Count())
	})

	t.Run("anonymous welcome omits identity", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, nil)

		welcome := sock.framesOfType(FrameConnected)[0]
		data, ok := welcome.Data.(map[string]any)
		assert.True(t, ok)
		assert.NotEmpty(t, data["connection_id"])
		assert.NotContains(t, data, "user_id")
		assert.Equal(t, "Connected to Mini App Gateway", data["message"])
	})

	t.Run("admission rejected at capacity", func(t *testing.T) {
		m := newTestManager(Config{MaxConnections: 1})

		connect(t, m, identity)

		err := m.Serve(newFakeSocket(), nil)
		assert.ErrorIs(t, err, ErrCapacityReached)
		assert.Equal(t, 1, m.Count())
	})

	t.Run("newest connection wins for a user", func(t *testing.T) {
		m := newTestManager(Config{})

		first := connect(t, m, identity)
		second := connect(t, m, identity)

		assert.Eventually(t, func() bool {
			return first.isClosed() && m.Count() == 1
		}, time.Second, 5*time.Millisecond)
		assert.False(t, second.isClosed())
	})

	t.Run("dispatch reaches subscribers only", func(t *testing.T) {
		m := newTestManager(Config{})

		subscriber := connect(t, m, identity)
		bystander := connect(t, m, nil)
		subscribeTopic(t, subscriber, "impulse")

		sent := m.Dispatch("impulse", NewFrame("impulse:new", map[string]string{"symbol": "BTCUSDT"}))
		assert.Equal(t, 1, sent)

		assert.Eventually(t, func() bool {
			return len(subscriber.framesOfType("impulse:new")) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Empty(t, bystander.framesOfType("impulse:new"))
	})

	t.Run("every subscriber gets its own copy in order", func(t *testing.T) {
		m := newTestManager(Config{})

		first := connect(t, m, identity)
		second := connect(t, m, nil)
		subscribeTopic(t, first, "bablo")
		subscribeTopic(t, second, "bablo")

		for i := 0; i < 3; i++ {
			assert.Equal(t, 2, m.Dispatch("bablo", NewFrame("bablo:new", map[string]int{"seq": i})))
		}

		for _, sock := range []*fakeSocket{first, second} {
			assert.Eventually(t, func() bool {
				return len(sock.framesOfType("bablo:new")) == 3
			}, time.Second, 5*time.Millisecond)

			for i, frame := range sock.framesOfType("bablo:new") {
				data, ok := frame.Data.(map[string]any)
				assert.True(t, ok)
				assert.Equal(t, float64(i), data["seq"])
			}
		}
	})

	t.Run("dispatch to idle topic reaches nobody", func(t *testing.T) {
		m := newTestManager(Config{})

		connect(t, m, identity)

		assert.Zero(t, m.Dispatch("ghost", NewFrame("ghost:new", nil)))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, identity)
		subscribeTopic(t, sock, "impulse")
		assert.Equal(t, 1, m.Dispatch("impulse", NewFrame("impulse:new", nil)))

		sock.push(`{"type":"unsubscribe","topic":"impulse"}`)
		assert.Eventually(t, func() bool {
			for _, frame := range sock.framesOfType(FrameConnected) {
				if data, ok := frame.Data.(map[string]any); ok && data["unsubscribed"] == "impulse" {
					return true
				}
			}

			return false
		}, time.Second, 5*time.Millisecond)

		assert.Zero(t, m.Dispatch("impulse", NewFrame("impulse:new", nil)))
	})

	t.Run("ping answered with pong", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, identity)
		sock.push(`{"type":"ping"}`)

		assert.Eventually(t, func() bool {
			return len(sock.framesOfType(FramePong)) == 1
		}, time.Second, 5*time.Millisecond)

		data, ok := sock.framesOfType(FramePong)[0].Data.(map[string]any)
		assert.True(t, ok)
		assert.Equal(t, float64(42), data["user_id"])
	})

	t.Run("bare ping string still answered", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, identity)
		sock.push(`ping`)

		assert.Eventually(t, func() bool {
			return len(sock.framesOfType(FramePong)) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("malformed frame keeps the connection open", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, identity)
		sock.push(`{"type":`)

		assert.Eventually(t, func() bool {
			return len(sock.framesOfType(FrameError)) == 1
		}, time.Second, 5*time.Millisecond)

		data, ok := sock.framesOfType(FrameError)[0].Data.(map[string]any)
		assert.True(t, ok)
		assert.Equal(t, "InvalidArgument", data["code"])

		// Still serviceable afterwards.
		sock.push(`{"type":"ping"}`)
		assert.Eventually(t, func() bool {
			return len(sock.framesOfType(FramePong)) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, m.Count())
	})

	t.Run("unknown frame type reports an error", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, identity)
		sock.push(`{"type":"teleport"}`)

		assert.Eventually(t, func() bool {
			return len(sock.framesOfType(FrameError)) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, m.Count())
	})

	t.Run("invalid topic rejected", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := connect(t, m, identity)
		sock.push(`{"type":"subscribe","topic":"not a topic!"}`)

		assert.Eventually(t, func() bool {
			return len(sock.framesOfType(FrameError)) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Zero(t, m.registry.TopicCount())
	})

	t.Run("subscribe racing a close leaves no registry entry", func(t *testing.T) {
		m := newTestManager(Config{})

		connect(t, m, identity)
		connection := m.snapshot()[0]

		// Backpressure (or a newest-wins replacement) closes the connection
		// while its read loop still holds an already-decoded subscribe frame.
		m.close(connection, reasonBackpressure)
		m.handleSubscribe(connection, "impulse")

		assert.Empty(t, m.registry.FanoutTargets("impulse"))
		assert.Zero(t, m.registry.TopicCount())
	})

	t.Run("slow consumer is disconnected", func(t *testing.T) {
		m := newTestManager(Config{SendQueueSize: 4})

		fast := connect(t, m, identity)
		subscribeTopic(t, fast, "impulse")

		slow := newFakeSocket()
		slow.blockWrites = make(chan struct{})
		go func() { _ = m.Serve(slow, nil) }()
		assert.Eventually(t, func() bool {
			return m.Count() == 2
		}, time.Second, 5*time.Millisecond)

		slow.push(`{"type":"subscribe","topic":"impulse"}`)
		assert.Eventually(t, func() bool {
			return len(m.registry.FanoutTargets("impulse")) == 2
		}, time.Second, 5*time.Millisecond)

		// Pace the fan-out on the fast consumer so only the blocked one
		// falls behind.
		for i := 0; i < 20; i++ {
			m.Dispatch("impulse", NewFrame("impulse:new", map[string]int{"seq": i}))

			want := i + 1
			assert.Eventually(t, func() bool {
				return len(fast.framesOfType("impulse:new")) == want
			}, time.Second, time.Millisecond)
		}

		assert.Eventually(t, func() bool {
			return slow.isClosed() && m.Count() == 1
		}, time.Second, 5*time.Millisecond)
		assert.False(t, fast.isClosed())
	})

	t.Run("write failure closes the connection", func(t *testing.T) {
		m := newTestManager(Config{})

		sock := newFakeSocket()
		sock.failWrites = true
		go func() { _ = m.Serve(sock, nil) }()

		assert.Eventually(t, func() bool {
			return sock.isClosed() && m.Count() == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("shutdown closes everything and rejects admissions", func(t *testing.T) {
		m := newTestManager(Config{})

		first := connect(t, m, identity)
		second := connect(t, m, nil)

		m.Shutdown()

		assert.Eventually(t, func() bool {
			return first.isClosed() && second.isClosed() && m.Count() == 0
		}, time.Second, 5*time.Millisecond)

		err := m.Serve(newFakeSocket(), nil)
		assert.ErrorIs(t, err, ErrShuttingDown)
	})
}

func TestManagerHeartbeat(t *testing.T) {
	interval := time.Minute

	newClockedManager := func() (*Manager, func(time.Duration)) {
		m := newTestManager(Config{HeartbeatInterval: interval})

		var mu sync.Mutex
		now := time.Now()
		m.now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()

			return now
		}

		advance := func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}

		return m, advance
	}

	t.Run("sweep pings live connections", func(t *testing.T) {
		m, _ := newClockedManager()
		sock := connect(t, m, nil)

		m.sweep()

		assert.Equal(t, 1, sock.pingCount())
		assert.False(t, sock.isClosed())
	})

	t.Run("idle connection closed after two intervals", func(t *testing.T) {
		m, advance := newClockedManager()
		sock := connect(t, m, nil)

		advance(2*interval + time.Second)
		m.sweep()

		assert.True(t, sock.isClosed())
		assert.Equal(t, 0, m.Count())
	})

	t.Run("client ping resets the idle clock", func(t *testing.T) {
		m, advance := newClockedManager()
		sock := connect(t, m, nil)

		advance(interval + interval/2)
		sock.push(`{"type":"ping"}`)
		assert.Eventually(t, func() bool {
			return len(sock.framesOfType(FramePong)) == 1
		}, time.Second, 5*time.Millisecond)

		advance(interval)
		m.sweep()

		assert.False(t, sock.isClosed())
	})

	t.Run("protocol pong counts as activity", func(t *testing.T) {
		m, advance := newClockedManager()
		sock := connect(t, m, nil)

		assert.Eventually(t, func() bool {
			return sock.pong() != nil
		}, time.Second, 5*time.Millisecond)

		advance(2*interval + time.Second)
		assert.NoError(t, sock.pong()(""))
		m.sweep()

		assert.False(t, sock.isClosed())
	})
}
