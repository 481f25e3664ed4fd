package bus

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 64

// MemoryBus is an in-process Bus for tests and single-node development runs.
// Publishing never blocks; a subscriber that stops draining loses events
// once its buffer fills.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan Event
	done        chan struct{}
	closed      bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]chan Event),
		done:        make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for _, events := range b.subscribers[event.Channel] {
		select {
		case events <- event:
		default:
		}
	}

	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	events := make(chan Event, subscriberBuffer)
	for _, channel := range channels {
		b.subscribers[channel] = append(b.subscribers[channel], events)
	}

	go func() {
		select {
		case <-ctx.Done():
			b.detach(events)
		case <-b.done:
		}
	}()

	return events, nil
}

// detach removes the subscriber from every channel and closes it. Close owns
// channels still attached at shutdown, so each channel closes exactly once.
func (b *MemoryBus) detach(events chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	found := false
	for channel, subscribers := range b.subscribers {
		kept := subscribers[:0]
		for _, subscriber := range subscribers {
			if subscriber == events {
				found = true

				continue
			}
			kept = append(kept, subscriber)
		}

		if len(kept) == 0 {
			delete(b.subscribers, channel)
		} else {
			b.subscribers[channel] = kept
		}
	}

	if found {
		close(events)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	unique := make(map[chan Event]struct{})
	for _, subscribers := range b.subscribers {
		for _, subscriber := range subscribers {
			unique[subscriber] = struct{}{}
		}
	}
	for subscriber := range unique {
		close(subscriber)
	}
	b.subscribers = nil

	return nil
}
