package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned when Async drops an event
var ErrQueueFull = errors.New("events: queue full")

// Async publishes through a buffered queue drained by one goroutine, so a
// slow broker never stalls the caller. Events are dropped when the queue
// is full.
type Async struct {
	next   Publisher
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Uint64
}

// NewAsync wraps next with a queue of size buffer
func NewAsync(next Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger.With("component", "events"),
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		if err := a.next.Publish(e); err != nil {
			a.logger.Warn("event publish failed", "type", e.Type, "error", err)
		}
	}
}

// Publish implements Publisher.
func (a *Async) Publish(e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- e:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns how many events were discarded
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close drains the queue, then closes the wrapped publisher.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()

		<-a.done
		a.next.Close()
	})
}
