package api

import (
	"log/slog"
	"sync"

	"github.com/csai/lab-shell/internal/metrics"
	"github.com/csai/lab-shell/internal/session"
	"github.com/csai/lab-shell/internal/state"
)

type SessionRecorder interface {
	RecordSession(rec state.SessionRecord) error
}

type sessionSeen struct {
	state  session.State
	tokens int
}

// SessionObserver counts transitions and issued tokens and persists a history
// record whenever a session changes state. Scale-only updates are not
// persisted.
type SessionObserver struct {
	reg    *metrics.Registry
	rec    SessionRecorder
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]sessionSeen
}

func NewSessionObserver(reg *metrics.Registry, rec SessionRecorder, logger *slog.Logger) *SessionObserver {
	return &SessionObserver{reg: reg, rec: rec, logger: logger, seen: map[string]sessionSeen{}}
}

// Observe is the session change hook.
func (o *SessionObserver) Observe(snap session.Snapshot) {
	o.mu.Lock()
	prev, known := o.seen[snap.ID]
	o.seen[snap.ID] = sessionSeen{state: snap.State, tokens: snap.TokensIssued}
	o.mu.Unlock()

	for i := prev.tokens; i < snap.TokensIssued; i++ {
		o.reg.IncTokenIssued()
	}
	if known && prev.state == snap.State {
		return
	}
	o.reg.IncTransition(snap.State.String())
	if o.rec == nil {
		return
	}
	err := o.rec.RecordSession(state.SessionRecord{
		SessionID:    snap.ID,
		ConnectionID: snap.ConnectionID,
		State:        snap.State.String(),
		ErrorKind:    snap.ErrorKind,
		TokensIssued: snap.TokensIssued,
	})
	if err != nil {
		o.logger.Warn("session_record_failed", slog.String("session_id", snap.ID), slog.String("error", err.Error()))
	}
}

// Forget drops what was tracked for a removed session.
func (o *SessionObserver) Forget(id string) {
	o.mu.Lock()
	delete(o.seen, id)
	o.mu.Unlock()
}

func (o *SessionObserver) tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.seen)
}
