package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Data is lost on exit.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Record
	tracks   map[string][]TrackRecord
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Record),
		tracks:   make(map[string][]TrackRecord),
	}
}

// SaveSession implements Store.
func (m *Memory) SaveSession(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[r.SessionID] = r
	return nil
}

// SaveTrack implements Store.
func (m *Memory) SaveTrack(_ context.Context, t TrackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.tracks[t.SessionID]
	for i := range list {
		if list[i].TrackID == t.TrackID {
			list[i] = t
			return nil
		}
	}
	m.tracks[t.SessionID] = append(list, t)
	return nil
}

// GetSession implements Store.
func (m *Memory) GetSession(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// ListSessions implements Store.
func (m *Memory) ListSessions(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// ListTracks implements Store.
func (m *Memory) ListTracks(_ context.Context, sessionID string) ([]TrackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]TrackRecord(nil), m.tracks[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
