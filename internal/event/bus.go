package event

import (
	"sync"
	"time"
)

// Bus is the keeper's outbound event queue. Emit never blocks the producer:
// when the queue is full the event is dropped and counted.
type Bus struct {
	ch     chan Envelope
	now    func() time.Time
	onDrop func(Envelope)
	onEmit func(Envelope)

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDropHook is called for every dropped event.
func WithDropHook(fn func(Envelope)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// WithEmitHook is called for every queued event.
func WithEmitHook(fn func(Envelope)) BusOption {
	return func(b *Bus) { b.onEmit = fn }
}

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

func NewBus(capacity int, opts ...BusOption) *Bus {
	b := &Bus{
		ch:  make(chan Envelope, capacity),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit queues evt for subscribers.
func (b *Bus) Emit(evt Event) {
	env := Wrap(evt, b.now())

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.ch <- env:
		if b.onEmit != nil {
			b.onEmit(env)
		}
	default:
		if b.onDrop != nil {
			b.onDrop(env)
		}
	}
}

// Events is the subscriber side of the queue. It is closed by Close.
func (b *Bus) Events() <-chan Envelope {
	return b.ch
}

// Len is the number of queued events.
func (b *Bus) Len() int {
	return len(b.ch)
}

// Close stops accepting events and closes the subscriber channel.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
}
