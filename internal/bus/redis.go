package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/masterbot-platform/gateway/internal/ierr"
)

const connectTimeout = 5 * time.Second

// RedisBus carries events between the signal services and the gateway on
// Redis Pub/Sub.
type RedisBus struct {
	logger *zap.Logger
	client *redis.Client
}

// NewRedisBus connects to the broker and verifies the connection before
// returning, so a misconfigured broker fails the boot instead of the first
// publish.
func NewRedisBus(url string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return &RedisBus{
		logger: logger,
		client: client,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	if err := b.client.Publish(ctx, event.Channel, data).Err(); err != nil {
		return ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, channels...)

	// Force the subscription round trip so a dead broker surfaces here, not
	// on the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, ierr.New(ierr.ErrorCodeUnavailable, err)
	}

	events := make(chan Event, subscriberBuffer)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				b.logger.Error("pubsub receive failed", zap.Error(err))

				return
			}

			select {
			case events <- decodeEvent(msg.Channel, []byte(msg.Payload)):
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
