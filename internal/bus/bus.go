package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("bus is closed")

// Event is the envelope the signal services publish for every notification.
// Channel is addressing, not payload; it never appears on the wire.
type Event struct {
	Channel     string          `json:"-"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"data,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// Bus connects the gateway to the services emitting notifications. Subscribe
// returns a channel that closes when the subscription ends, whether through
// context cancellation or a broker failure; resubscribing is the caller's
// job.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, channels ...string) (<-chan Event, error)
	Close() error
}

// decodeEvent parses a wire payload received on channel. Undecodable
// payloads come back with an empty Kind; the relay counts and drops those,
// so a single bad producer cannot stall the subscription.
func decodeEvent(channel string, data []byte) Event {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{Channel: channel}
	}

	event.Channel = channel

	return event
}
