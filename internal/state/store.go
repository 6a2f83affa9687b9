package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	CurrentVersion = 1
	// MaxSessions bounds the persisted history; the oldest records go first.
	MaxSessions = 50
)

// Store persists shell state to a JSON file. The CLI and a running server may
// share the file, so every write re-reads it under a file lock.
type Store struct {
	path string
	lock *flock.Flock
	mu   sync.RWMutex
	snap Snapshot
}

func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		path: path,
		lock: flock.New(path + ".lock"),
		snap: emptySnapshot(),
	}
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock state: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	snap, err := s.loadUnlocked()
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) LastConnection() (LastConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.LastConnection == nil {
		return LastConnection{}, false
	}
	return *s.snap.LastConnection, true
}

func (s *Store) SetLastConnection(connectionID string) error {
	return s.update(func(snap *Snapshot) {
		snap.LastConnection = &LastConnection{ConnectionID: connectionID, OpenedAt: time.Now().UTC()}
	})
}

func (s *Store) Session(id string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.snap.Sessions[id]
	return r, ok
}

// Sessions returns the history, most recently updated first.
func (s *Store) Sessions() []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionRecord, 0, len(s.snap.Sessions))
	for _, v := range s.snap.Sessions {
		out = append(out, v)
	}
	sortRecent(out)
	return out
}

// RecordSession upserts a session record, keeping its original start time.
func (s *Store) RecordSession(rec SessionRecord) error {
	return s.update(func(snap *Snapshot) {
		now := time.Now().UTC()
		if prev, ok := snap.Sessions[rec.SessionID]; ok && !prev.StartedAt.IsZero() {
			rec.StartedAt = prev.StartedAt
		}
		if rec.StartedAt.IsZero() {
			rec.StartedAt = now
		}
		rec.UpdatedAt = now
		snap.Sessions[rec.SessionID] = rec
		prune(snap.Sessions, MaxSessions)
	})
}

func (s *Store) update(fn func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	snap, err := s.loadUnlocked()
	if err != nil {
		return err
	}
	fn(&snap)
	snap.UpdatedAt = time.Now().UTC()
	if err := s.persistUnlocked(snap); err != nil {
		return err
	}
	s.snap = snap
	return nil
}

func emptySnapshot() Snapshot {
	return Snapshot{Version: CurrentVersion, Sessions: map[string]SessionRecord{}, UpdatedAt: time.Now().UTC()}
}

func (s *Store) loadUnlocked() (Snapshot, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read state file: %w", err)
	}
	if len(b) == 0 {
		return emptySnapshot(), nil
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse state file: %w", err)
	}
	if snap.Version == 0 {
		snap.Version = CurrentVersion
	}
	if snap.Version != CurrentVersion {
		return Snapshot{}, fmt.Errorf("unsupported state version %d (expected %d)", snap.Version, CurrentVersion)
	}
	if snap.Sessions == nil {
		snap.Sessions = map[string]SessionRecord{}
	}
	return snap, nil
}

func (s *Store) persistUnlocked(snap Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func prune(sessions map[string]SessionRecord, max int) {
	if len(sessions) <= max {
		return
	}
	all := make([]SessionRecord, 0, len(sessions))
	for _, r := range sessions {
		all = append(all, r)
	}
	sortRecent(all)
	for _, r := range all[max:] {
		delete(sessions, r.SessionID)
	}
}

func sortRecent(rs []SessionRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].SessionID < rs[j].SessionID
		}
		return rs[i].UpdatedAt.After(rs[j].UpdatedAt)
	})
}
