// Package session drives one viewer session from a connection id to a live
// relay transport.
//
// Every input, whether a user action or a notification from the transport,
// is an Event handed to a single transition function under the session lock.
// Slow work (profile lookup, token encoding, dialing) runs outside the lock
// and reports back through further events tagged with the attempt that
// started it, so notifications from an abandoned attempt are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/csai/lab-shell/internal/registry"
)

type Resolver interface {
	Lookup(id string) (registry.TargetProfile, bool)
}

type Encoder interface {
	Encode(ctx context.Context, p registry.TargetProfile) (string, error)
}

// Transport is an open connection to the relay daemon. Close must be safe to
// call more than once and from the transport's own notification goroutine.
type Transport interface {
	Close() error
}

// Dialer opens a transport to endpoint. The transport reports lifecycle
// changes by calling notify from any goroutine; notifications that arrive
// after the session has moved on are ignored.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, notify func(Event)) (Transport, error)
}

// Surface is whatever renders the remote display. Its calls arrive in
// transition order.
type Surface interface {
	ApplyScale(scale float64)
	Clear()
}

type Deps struct {
	Registry Resolver
	Tokens   Encoder
	Dialer   Dialer
	// Endpoint is the relay listen URL, e.g. ws://localhost:8000/.
	Endpoint string
	// ConnectTimeout bounds the Connecting state. Zero waits forever.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	// OnChange observes every state change. Calls for one session arrive in
	// transition order; different sessions may call it concurrently. It must
	// not call Connect, Retry, Disconnect or Resize.
	OnChange func(Snapshot)
	// OnRemove is told the id of each session the Manager drops, after the
	// session has been disconnected.
	OnRemove func(id string)
}

type Snapshot struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	State        State     `json:"state"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Message      string    `json:"message,omitempty"`
	Scale        float64   `json:"scale"`
	Native       Size      `json:"native_size"`
	Available    Size      `json:"available_size"`
	TokensIssued int       `json:"tokens_issued"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Session struct {
	id      string
	deps    Deps
	surface Surface

	mu           sync.Mutex
	state        State
	connectionID string
	attempt      uint64
	cancelDial   context.CancelFunc
	timer        *time.Timer
	transport    Transport
	lastErr      error
	native       Size
	available    Size
	scale        float64
	tokens       int
	updatedAt    time.Time
	seq          uint64

	// effMu orders surface updates and change reports by transition.
	effMu   sync.Mutex
	effDone *sync.Cond
	applied uint64
}

func New(id string, deps Deps, surface Surface) *Session {
	s := &Session{id: id, deps: deps, surface: surface, scale: 1, updatedAt: time.Now().UTC()}
	s.effDone = sync.NewCond(&s.effMu)
	return s
}

func (s *Session) ID() string { return s.id }

// Connect starts an attempt for connectionID. It is ignored while an attempt
// is already connecting or connected. Lookup, token and dial failures are
// returned and leave the session in StateError.
func (s *Session) Connect(ctx context.Context, connectionID string) error {
	return s.dispatch(ctx, Event{Kind: EventConnect, ConnectionID: connectionID})
}

// Retry reconnects to the last connection id with a freshly issued token.
func (s *Session) Retry(ctx context.Context) error {
	return s.dispatch(ctx, Event{Kind: EventRetry})
}

// Disconnect is safe from any state.
func (s *Session) Disconnect() {
	_ = s.dispatch(context.Background(), Event{Kind: EventDisconnect})
}

// Resize records the area available to the display.
func (s *Session) Resize(available Size) {
	_ = s.dispatch(context.Background(), Event{Kind: EventResize, Size: available})
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

type effect struct {
	start   bool
	attempt uint64
	connID  string

	release   Transport
	cancel    context.CancelFunc
	stopTimer *time.Timer
	clear     bool

	rescale bool
	scale   float64

	changed bool
	err     error
}

func (s *Session) dispatch(ctx context.Context, ev Event) error {
	s.mu.Lock()
	prev := s.state
	eff := s.transition(ev)
	if eff.changed || s.state != prev {
		s.updatedAt = time.Now().UTC()
	}
	s.seq++
	seq := s.seq
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.applyInOrder(seq, func() {
		if s.surface != nil {
			if eff.clear {
				s.surface.Clear()
			}
			if eff.rescale {
				s.surface.ApplyScale(eff.scale)
			}
		}
		if snap.State != prev || eff.changed {
			s.report(prev, ev, snap)
		}
	})

	if eff.stopTimer != nil {
		eff.stopTimer.Stop()
	}
	if eff.cancel != nil {
		eff.cancel()
	}
	if eff.release != nil {
		if err := eff.release.Close(); err != nil {
			s.logger().Debug("transport_close_failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
		}
	}
	if eff.start {
		return s.run(ctx, eff.attempt, eff.connID)
	}
	return eff.err
}

// applyInOrder runs fn once every transition taken before seq has applied
// its own effects. fn must not dispatch on the same session.
func (s *Session) applyInOrder(seq uint64, fn func()) {
	s.effMu.Lock()
	defer s.effMu.Unlock()
	for s.applied != seq-1 {
		s.effDone.Wait()
	}
	defer func() {
		s.applied = seq
		s.effDone.Broadcast()
	}()
	fn()
}

func (s *Session) transition(ev Event) (eff effect) {
	switch ev.Kind {
	case EventConnect, EventRetry:
		if s.state.Live() {
			return eff
		}
		if ev.Kind == EventRetry && s.state == StateIdle {
			return eff
		}
		id := ev.ConnectionID
		if id == "" {
			id = s.connectionID
		}
		s.attempt++
		s.connectionID = id
		s.state = StateConnecting
		s.lastErr = nil
		s.native = Size{}
		s.scale = 1
		if d := s.deps.ConnectTimeout; d > 0 {
			attempt := s.attempt
			s.timer = time.AfterFunc(d, func() {
				_ = s.dispatch(context.Background(), Event{Kind: eventTimeout, attempt: attempt})
			})
		}
		eff.start, eff.attempt, eff.connID = true, s.attempt, id

	case EventDisconnect:
		if !s.state.Live() {
			return eff
		}
		s.attempt++
		s.leaveLive(&eff)
		s.state = StateDisconnected
		s.lastErr = nil

	case EventResize:
		s.available = ev.Size
		eff.changed = true
		if s.state == StateConnected {
			s.rescale(&eff)
		}

	case eventAttemptFailed:
		if ev.attempt != s.attempt {
			return eff
		}
		if s.state != StateConnecting {
			if s.state == StateError {
				eff.err = s.lastErr
			}
			return eff
		}
		s.fail(&eff, ev.Err)
		eff.err = ev.Err

	case eventDialed:
		if ev.attempt != s.attempt || !s.state.Live() {
			eff.release = ev.transport
			if ev.attempt == s.attempt && s.state == StateError {
				eff.err = s.lastErr
			}
			return eff
		}
		s.transport = ev.transport
		s.cancelDial = nil

	case eventTimeout:
		if ev.attempt != s.attempt || s.state != StateConnecting {
			return eff
		}
		s.fail(&eff, &TransportError{Kind: FailureTimeout, Message: fmt.Sprintf("no response from relay within %s", s.deps.ConnectTimeout)})

	case EventEstablished:
		if ev.attempt != s.attempt || s.state != StateConnecting {
			return eff
		}
		s.state = StateConnected
		eff.stopTimer, s.timer = s.timer, nil
		s.rescale(&eff)

	case EventFailed:
		if ev.attempt != s.attempt || !s.state.Live() {
			return eff
		}
		err := ev.Err
		if err == nil {
			err = &TransportError{Kind: FailureGeneric}
		}
		if s.state == StateConnecting {
			s.fail(&eff, err)
			return eff
		}
		s.leaveLive(&eff)
		s.state = StateDisconnected
		s.lastErr = err

	case EventClosed:
		if ev.attempt != s.attempt || !s.state.Live() {
			return eff
		}
		if s.state == StateConnecting {
			s.fail(&eff, &TransportError{Kind: FailureGeneric, Message: "connection closed before the session was established"})
			return eff
		}
		s.leaveLive(&eff)
		s.state = StateDisconnected

	case EventDisplaySize:
		if ev.attempt != s.attempt || !ev.Size.Valid() {
			return eff
		}
		s.native = ev.Size
		eff.changed = true
		if s.state == StateConnected {
			s.rescale(&eff)
		}
	}
	return eff
}

func (s *Session) fail(eff *effect, err error) {
	s.leaveLive(eff)
	s.state = StateError
	s.lastErr = err
}

// leaveLive hands every live resource to the effect for release outside
// the lock.
func (s *Session) leaveLive(eff *effect) {
	eff.release, s.transport = s.transport, nil
	eff.cancel, s.cancelDial = s.cancelDial, nil
	eff.stopTimer, s.timer = s.timer, nil
	eff.clear = true
}

func (s *Session) rescale(eff *effect) {
	s.scale = Scale(s.available, s.native)
	eff.rescale = true
	eff.scale = s.scale
	eff.changed = true
}

// run performs the slow part of an attempt outside the lock.
func (s *Session) run(ctx context.Context, attempt uint64, connectionID string) error {
	profile, ok := s.deps.Registry.Lookup(connectionID)
	if !ok {
		return s.dispatch(ctx, Event{Kind: eventAttemptFailed, attempt: attempt, Err: fmt.Errorf("%w: %q", ErrConnectionNotFound, connectionID)})
	}

	tok, err := s.deps.Tokens.Encode(ctx, profile)
	if err != nil {
		return s.dispatch(ctx, Event{Kind: eventAttemptFailed, attempt: attempt, Err: fmt.Errorf("%w: %w", ErrTokenGeneration, err)})
	}

	endpoint, err := EndpointURL(s.deps.Endpoint, tok)
	if err != nil {
		return s.dispatch(ctx, Event{Kind: eventAttemptFailed, attempt: attempt, Err: &TransportError{Kind: FailureGeneric, Message: err.Error()}})
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return nil
	}
	s.tokens++
	s.cancelDial = cancel
	s.mu.Unlock()
	s.logger().Info("token_issued", slog.String("session_id", s.id), slog.String("connection_id", connectionID), slog.Int("token_length", len(tok)))

	notify := func(ev Event) {
		ev.attempt = attempt
		ev.transport = nil
		_ = s.dispatch(context.Background(), ev)
	}
	tr, err := s.deps.Dialer.Dial(dialCtx, endpoint, notify)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			te = &TransportError{Kind: FailureGeneric, Message: err.Error()}
		}
		return s.dispatch(ctx, Event{Kind: eventAttemptFailed, attempt: attempt, Err: te})
	}
	return s.dispatch(ctx, Event{Kind: eventDialed, attempt: attempt, transport: tr})
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		ConnectionID: s.connectionID,
		State:        s.state,
		Scale:        s.scale,
		Native:       s.native,
		Available:    s.available,
		TokensIssued: s.tokens,
		UpdatedAt:    s.updatedAt,
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
		snap.ErrorKind = Kind(s.lastErr)
		snap.Message = UserMessage(s.lastErr)
	}
	return snap
}

func (s *Session) report(prev State, ev Event, snap Snapshot) {
	if snap.State != prev {
		attrs := []any{
			slog.String("session_id", s.id),
			slog.String("connection_id", snap.ConnectionID),
			slog.String("from", prev.String()),
			slog.String("to", snap.State.String()),
			slog.String("event", ev.Kind.String()),
		}
		if snap.ErrorKind != "" {
			attrs = append(attrs, slog.String("error_kind", snap.ErrorKind), slog.String("error", snap.Error))
		}
		s.logger().Info("session_state_changed", attrs...)
	}
	if s.deps.OnChange != nil {
		s.deps.OnChange(snap)
	}
}

func (s *Session) logger() *slog.Logger {
	if s.deps.Logger != nil {
		return s.deps.Logger
	}
	return slog.Default()
}

// EndpointURL attaches the token to the relay listen URL as the URL-encoded
// "token" query parameter.
func EndpointURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay endpoint: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
