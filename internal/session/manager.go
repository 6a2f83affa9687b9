package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Manager owns the independent sessions of one shell process. The sessions
// share only the read-only registry and encoder held in deps.
type Manager struct {
	deps     Deps
	newID    func() string
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		newID:    uuid.NewString,
		sessions: map[string]*Session{},
	}
}

// Create registers a new idle session. surface may be nil for headless use.
func (m *Manager) Create(surface Surface) *Session {
	s := New(m.newID(), m.deps, surface)
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots ordered by session id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove disconnects and forgets the session. It reports whether the id was
// known.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.drop(s)
	}
	return ok
}

func (m *Manager) drop(s *Session) {
	s.Disconnect()
	if m.deps.OnRemove != nil {
		m.deps.OnRemove(s.ID())
	}
}

// CountByState is used for the active-session gauges.
func (m *Manager) CountByState() map[State]int {
	out := map[State]int{}
	for _, snap := range m.List() {
		out[snap.State]++
	}
	return out
}

// Close disconnects every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range all {
		m.drop(s)
	}
}
