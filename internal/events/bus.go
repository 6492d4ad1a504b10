package events

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber backlog depth. A subscriber that
// falls this far behind starts missing the oldest unread signals instead
// of blocking the publisher.
const DefaultBuffer = 32

// ErrNoSubscribers is returned by Publish when no subscriber is live.
// The bus is fire-and-forget, so callers log this and continue.
var ErrNoSubscribers = errors.New("events: no live subscribers")

// Bus is a multi-subscriber broadcast channel for Signals. Publishing
// never blocks: each subscriber has a bounded buffer and overflow is
// dropped, counted in Stats. Signals published sequentially are observed
// by every live subscriber in publish order.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Signal

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every subsequently published
// signal. bufSize <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(bufSize int) <-chan Signal {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan Signal, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes a channel from the bus. The channel is not closed.
func (b *Bus) Unsubscribe(ch <-chan Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := make([]chan Signal, 0, len(b.subs))
	for _, s := range b.subs {
		if s != ch {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Publish broadcasts s to all subscribers without blocking. A subscriber
// whose buffer is full misses the signal (counted as dropped). Returns
// ErrNoSubscribers when nobody is listening at all.
func (b *Bus) Publish(s Signal) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)

	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}

	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Stats returns publish/drop counts for monitoring.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}
