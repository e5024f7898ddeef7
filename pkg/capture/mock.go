package capture

import (
	"fmt"
	"sync"
	"time"
)

// Mock is a Source for tests. It returns Frame (stamped with the current
// time) until Unavailable is set.
type Mock struct {
	mu          sync.Mutex
	frame       Frame
	unavailable bool
	captures    []Encoding
	releases    int
}

// NewMock creates a mock source that returns frame
func NewMock(frame Frame) *Mock {
	return &Mock{frame: frame}
}

// SetUnavailable toggles ErrUnavailable
func (m *Mock) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// Capture implements Source.
func (m *Mock) Capture(enc Encoding) (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Frame{}, fmt.Errorf("%w: mock disabled", ErrUnavailable)
	}
	m.captures = append(m.captures, enc)
	f := m.frame
	f.CapturedAt = time.Now()
	return f, nil
}

// Release implements Releaser.
func (m *Mock) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
}

// Captures returns the encodings requested so far
func (m *Mock) Captures() []Encoding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Encoding(nil), m.captures...)
}

// Releases returns how many times Release was called
func (m *Mock) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}
