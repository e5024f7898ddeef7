package detection

import (
	"context"
	"sync"
)

// MockReply is one scripted Detect outcome.
type MockReply struct {
	Detections []RawDetection
	Err        error
}

// Mock implements Detector for testing and demo mode.
type Mock struct {
	// DetectFunc, when set, is called for every request and overrides the script.
	DetectFunc func(ctx context.Context, req Request) ([]RawDetection, error)

	mu     sync.Mutex
	script []MockReply
	calls  []Request
	closed bool
}

// NewMock creates a mock that replays the given replies in order and then
// returns no faces.
func NewMock(replies ...MockReply) *Mock {
	return &Mock{script: replies}
}

// Push appends replies to the script.
func (m *Mock) Push(replies ...MockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
}

// Detect implements Detector.
func (m *Mock) Detect(ctx context.Context, req Request) ([]RawDetection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.calls = append(m.calls, req)
	fn := m.DetectFunc
	var reply MockReply
	if fn == nil && len(m.script) > 0 {
		reply = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	return reply.Detections, reply.Err
}

// Calls returns a copy of all recorded requests.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Close implements Detector.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
