package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Push is a single-slot mailbox for frames produced elsewhere, such as a
// browser capture client. A new frame overwrites an unconsumed one, and
// each frame is handed out at most once.
type Push struct {
	mu    sync.Mutex
	slot  *Frame
	ready bool // at least one frame ever offered

	offered  atomic.Uint64
	consumed atomic.Uint64
	dropped  atomic.Uint64
}

// PushStats reports mailbox counters
type PushStats struct {
	Offered  uint64 `json:"offered"`
	Consumed uint64 `json:"consumed"`
	Dropped  uint64 `json:"dropped"` // Overwritten before being consumed
}

// NewPush creates an empty mailbox
func NewPush() *Push {
	return &Push{}
}

// Offer stores f as the latest frame.
func (p *Push) Offer(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slot != nil {
		p.dropped.Add(1)
	}
	p.slot = &f
	p.ready = true
	p.offered.Add(1)
}

// Capture implements Source. The encoding is chosen by the producer, so
// enc is ignored.
func (p *Push) Capture(Encoding) (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slot == nil {
		if !p.ready {
			return Frame{}, fmt.Errorf("%w: no client frame yet", ErrUnavailable)
		}
		return Frame{}, fmt.Errorf("%w: no new frame", ErrUnavailable)
	}
	f := *p.slot
	p.slot = nil
	p.consumed.Add(1)
	return f, nil
}

// Release implements Releaser by dropping a pending frame.
func (p *Push) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slot != nil {
		p.slot = nil
		p.dropped.Add(1)
	}
}

// Stats returns mailbox counters
func (p *Push) Stats() PushStats {
	return PushStats{
		Offered:  p.offered.Load(),
		Consumed: p.consumed.Load(),
		Dropped:  p.dropped.Load(),
	}
}
