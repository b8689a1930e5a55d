package web

import (
	"sync"

	"bletelemetry/internal/telemetry"
)

// FrameBroadcaster fans out telemetry frames to live listeners. It keeps the
// most recent frame so new subscribers get an immediate sample. Slow
// subscribers miss frames rather than block the publisher.
type FrameBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan telemetry.Frame
	nextID   int
	last     telemetry.Frame
	haveLast bool
}

func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{subs: make(map[int]chan telemetry.Frame)}
}

func (b *FrameBroadcaster) Subscribe(buffer int) (int, <-chan telemetry.Frame) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan telemetry.Frame, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.haveLast {
		ch <- b.last
	}
	b.mu.Unlock()
	return id, ch
}

func (b *FrameBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Last returns the most recently published frame.
func (b *FrameBroadcaster) Last() (telemetry.Frame, bool) {
	if b == nil {
		return telemetry.Frame{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}

// Subscribers returns the number of live subscriptions.
func (b *FrameBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish implements telemetry.Sink.
func (b *FrameBroadcaster) Publish(f telemetry.Frame) error {
	if b == nil {
		return nil
	}
	// Sends happen under the write lock so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = f
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
	return nil
}
