package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/masterbot-platform/gateway/internal/bus"
	"github.com/masterbot-platform/gateway/internal/gateway"
	"github.com/masterbot-platform/gateway/internal/ierr"
	"github.com/masterbot-platform/gateway/internal/metrics"
)

var errMissingChannel = errors.New("event has no channel")

// Dispatcher fans a frame out to the connections subscribed to a topic and
// reports how many were reached.
type Dispatcher interface {
	Dispatch(topic string, frame gateway.Frame) int
}

// Relay pumps events from the bus into the dispatcher. It owns the
// subscription lifecycle: when the bus drops it, the relay backs off and
// resubscribes for as long as its context lives. Events emitted while the
// subscription is down are not replayed; clients needing history fetch it
// over REST after reconnecting.
// A subscription must stay attached this long before a loss of it resets the
// reconnect backoff; a broker that accepts subscriptions and drops them right
// away keeps backing off instead of spinning.
const defaultStableAfter = time.Minute

type Relay struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	bus        bus.Bus
	dispatcher Dispatcher
	channels   []string

	stableAfter time.Duration
	newBackOff  func() backoff.BackOff

	running atomic.Bool
}

func NewRelay(logger *zap.Logger, m *metrics.Metrics, b bus.Bus, dispatcher Dispatcher, channels []string) *Relay {
	return &Relay{
		logger:      logger,
		metrics:     m,
		bus:         b,
		dispatcher:  dispatcher,
		channels:    channels,
		stableAfter: defaultStableAfter,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = time.Second
			policy.MaxInterval = 30 * time.Second
			policy.MaxElapsedTime = 0

			return policy
		},
	}
}

// Running reports whether the bus subscription is currently attached.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Run blocks until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	policy := r.newBackOff()

	for {
		events, err := r.bus.Subscribe(ctx, r.channels...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			delay := policy.NextBackOff()
			r.logger.Warn("bus subscribe failed",
				zap.Duration("retryIn", delay),
				zap.Error(err))

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attachedAt := time.Now()
		r.running.Store(true)
		r.logger.Info("relay attached", zap.Strings("channels", r.channels))

		r.pump(ctx, events)

		r.running.Store(false)
		if ctx.Err() != nil {
			return
		}

		if r.metrics != nil {
			r.metrics.RelayReconnects.Inc()
		}

		// The backoff resets only once a subscription has proven stable;
		// accepting the subscribe call alone proves nothing about the broker.
		if time.Since(attachedAt) >= r.stableAfter {
			policy.Reset()
		}

		delay := policy.NextBackOff()
		r.logger.Warn("bus subscription lost, reattaching",
			zap.Duration("retryIn", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) pump(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}

			r.Inject(event)
		}
	}
}

// Inject routes one event to the subscribers of its topic and returns the
// number of connections reached. The internal broadcast endpoint shares this
// path with the bus pump, so both surfaces apply the same mapping rules.
func (r *Relay) Inject(event bus.Event) (int, error) {
	topic := topicForChannel(event.Channel)
	if topic == "" {
		return 0, r.drop(event, ierr.New(ierr.ErrorCodeInvalidArgument, errMissingChannel))
	}

	frameType, err := gateway.FrameTypeFor(topic, gateway.PayloadKind(event.Kind))
	if err != nil {
		return 0, r.drop(event, err)
	}

	var data any
	if len(event.Payload) > 0 {
		data = json.RawMessage(event.Payload)
	}

	sent := r.dispatcher.Dispatch(topic, gateway.NewFrame(frameType, data))

	if r.metrics != nil {
		r.metrics.RelayEvents.WithLabelValues(topic).Inc()
	}
	r.logger.Debug("event relayed",
		zap.String("channel", event.Channel),
		zap.String("type", frameType),
		zap.Int("receivers", sent))

	return sent, nil
}

func (r *Relay) drop(event bus.Event, err error) error {
	if r.metrics != nil {
		r.metrics.RelayMalformed.Inc()
	}
	r.logger.Warn("dropping malformed event",
		zap.String("channel", event.Channel),
		zap.String("kind", event.Kind),
		zap.Error(err))

	return err
}

// topicForChannel maps a bus channel to its gateway topic: everything before
// the first colon, so "impulse:notifications" feeds the "impulse" topic. A
// channel without a colon is its own topic.
func topicForChannel(channel string) string {
	topic, _, _ := strings.Cut(channel, ":")

	return topic
}
