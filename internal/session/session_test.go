package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/csai/lab-shell/internal/registry"
	"github.com/csai/lab-shell/internal/token"
)

type countingEncoder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *countingEncoder) Encode(_ context.Context, p registry.TargetProfile) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	return fmt.Sprintf("tok-%s-%d", p.ID, e.calls), nil
}

func (e *countingEncoder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeTransport struct {
	mu     sync.Mutex
	closed int
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	endpoints  []string
	notifies   []func(Event)
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string, notify func(Event)) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = append(d.endpoints, endpoint)
	if d.err != nil {
		return nil, d.err
	}
	tr := &fakeTransport{}
	d.notifies = append(d.notifies, notify)
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) last() (func(Event), *fakeTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.notifies)
	return d.notifies[n-1], d.transports[n-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

type fakeSurface struct {
	mu     sync.Mutex
	scales []float64
	clears int
}

func (f *fakeSurface) ApplyScale(s float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scales = append(f.scales, s)
}

func (f *fakeSurface) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

type fixture struct {
	enc     *countingEncoder
	dialer  *fakeDialer
	surface *fakeSurface
	sess    *Session
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	reg, err := registry.New([]registry.TargetProfile{
		{ID: "ubuntu-ssh", DisplayName: "Ubuntu Server (SSH)", Protocol: registry.ProtocolSSH, Parameters: registry.Params("hostname", "ubuntu-ssh-target", "port", 22)},
		{ID: "windows", DisplayName: "Windows 11 (RDP)", Protocol: registry.ProtocolRDP, Parameters: registry.Params("hostname", "windows-rdp-target", "port", 3389)},
	})
	require.NoError(t, err)

	f := &fixture{enc: &countingEncoder{}, dialer: &fakeDialer{}, surface: &fakeSurface{}}
	deps := Deps{
		Registry: reg,
		Tokens:   f.enc,
		Dialer:   f.dialer,
		Endpoint: "ws://localhost:8000/",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.sess = New("s1", deps, f.surface)
	return f
}

func (f *fixture) connected(t *testing.T) *fakeTransport {
	t.Helper()
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	notify, tr := f.dialer.last()
	notify(Event{Kind: EventEstablished})
	require.Equal(t, StateConnected, f.sess.State())
	return tr
}

func TestNewSessionIsIdle(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, 1.0, f.sess.Snapshot().Scale)
}

func TestConnectEntersConnecting(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	require.Equal(t, StateConnecting, f.sess.State())
	require.Equal(t, 1, f.enc.Calls())
	require.Equal(t, []string{"ws://localhost:8000/?token=tok-ubuntu-ssh-1"}, f.dialer.endpoints)
}

func TestConnectWhileConnectingIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	require.NoError(t, f.sess.Connect(context.Background(), "windows"))

	require.Equal(t, StateConnecting, f.sess.State())
	require.Equal(t, 1, f.enc.Calls())
	require.Equal(t, 1, f.dialer.dials())
	require.Equal(t, "ubuntu-ssh", f.sess.Snapshot().ConnectionID)
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.connected(t)
	require.NoError(t, f.sess.Connect(context.Background(), "windows"))
	require.Equal(t, StateConnected, f.sess.State())
	require.Equal(t, 1, f.enc.Calls())
}

func TestConcurrentConnectStartsOneAttempt(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.sess.Connect(context.Background(), "ubuntu-ssh")
		}()
	}
	wg.Wait()
	require.Equal(t, 1, f.enc.Calls())
	require.Equal(t, StateConnecting, f.sess.State())
}

func TestUnknownConnectionFailsFast(t *testing.T) {
	f := newFixture(t)
	err := f.sess.Connect(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrConnectionNotFound)
	require.Equal(t, StateError, f.sess.State())
	require.Equal(t, 0, f.enc.Calls())
	require.Equal(t, 0, f.dialer.dials())
	require.Equal(t, "connection_not_found", f.sess.Snapshot().ErrorKind)
}

func TestTokenFailureGoesToError(t *testing.T) {
	f := newFixture(t)
	f.enc.err = fmt.Errorf("%w: got 5 bytes, want 32", token.ErrInvalidKeyLength)

	err := f.sess.Connect(context.Background(), "ubuntu-ssh")
	require.ErrorIs(t, err, ErrTokenGeneration)
	require.ErrorIs(t, err, token.ErrInvalidKeyLength)
	require.Equal(t, StateError, f.sess.State())
	require.Equal(t, 0, f.dialer.dials())
}

func TestDialRejectionIsClassified(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = ClassifyHTTP(401, "bad token")

	err := f.sess.Connect(context.Background(), "ubuntu-ssh")
	require.ErrorIs(t, err, ErrTransportUnauthorized)
	require.Equal(t, StateError, f.sess.State())
	require.Equal(t, "Unauthorized. Check the credentials.", f.sess.Snapshot().Message)
}

func TestDialPlainErrorIsGeneric(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = errors.New("connection refused")

	err := f.sess.Connect(context.Background(), "ubuntu-ssh")
	require.ErrorIs(t, err, ErrTransportGeneric)
	require.Equal(t, "Connection error: connection refused", f.sess.Snapshot().Message)
}

func TestEstablishedAppliesScale(t *testing.T) {
	f := newFixture(t)
	f.sess.Resize(Size{Width: 800, Height: 500})
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	notify, _ := f.dialer.last()
	notify(Event{Kind: EventDisplaySize, Size: Size{Width: 1024, Height: 768}})
	notify(Event{Kind: EventEstablished})

	require.Equal(t, StateConnected, f.sess.State())
	require.Equal(t, 0.651, math.Round(f.sess.Snapshot().Scale*1000)/1000)
	require.NotEmpty(t, f.surface.scales)
}

func TestResizeWhileConnectedRecomputes(t *testing.T) {
	f := newFixture(t)
	f.connected(t)
	notify, _ := f.dialer.last()
	notify(Event{Kind: EventDisplaySize, Size: Size{Width: 1024, Height: 768}})

	f.sess.Resize(Size{Width: 512, Height: 768})
	require.Equal(t, 0.5, f.sess.Snapshot().Scale)

	f.sess.Resize(Size{Width: 4000, Height: 3000})
	require.Equal(t, 1.0, f.sess.Snapshot().Scale)
	for _, s := range f.surface.scales {
		require.LessOrEqual(t, s, 1.0)
	}
}

type gatedSurface struct {
	fakeSurface
	gate    float64
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSurface) ApplyScale(s float64) {
	if s == g.gate {
		close(g.entered)
		<-g.release
	}
	g.fakeSurface.ApplyScale(s)
}

func TestConcurrentResizesApplyInTransitionOrder(t *testing.T) {
	var mu sync.Mutex
	var observed []float64
	f := newFixture(t, func(d *Deps) {
		d.OnChange = func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			observed = append(observed, s.Scale)
		}
	})
	surface := &gatedSurface{gate: 0.5, entered: make(chan struct{}), release: make(chan struct{})}
	sess := New("s2", f.sess.deps, surface)
	require.NoError(t, sess.Connect(context.Background(), "ubuntu-ssh"))
	notify, _ := f.dialer.last()
	notify(Event{Kind: EventEstablished})
	notify(Event{Kind: EventDisplaySize, Size: Size{Width: 1000, Height: 1000}})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.Resize(Size{Width: 500, Height: 500})
	}()
	<-surface.entered
	go func() {
		defer wg.Done()
		sess.Resize(Size{Width: 250, Height: 250})
	}()
	time.Sleep(50 * time.Millisecond)
	close(surface.release)
	wg.Wait()

	require.Equal(t, 0.25, sess.Snapshot().Scale)
	surface.mu.Lock()
	scales := append([]float64(nil), surface.scales...)
	surface.mu.Unlock()
	require.Equal(t, 0.25, scales[len(scales)-1])
	require.Equal(t, []float64{0.5, 0.25}, scales[len(scales)-2:])

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0.25, observed[len(observed)-1])
}

func TestResizeWhileIdleDoesNotApply(t *testing.T) {
	f := newFixture(t)
	f.sess.Resize(Size{Width: 100, Height: 100})
	require.Empty(t, f.surface.scales)
}

func TestDisconnectFromConnectedReleasesTransport(t *testing.T) {
	f := newFixture(t)
	tr := f.connected(t)

	f.sess.Disconnect()
	require.Equal(t, StateDisconnected, f.sess.State())
	require.Equal(t, 1, tr.Closed())
	require.Equal(t, 1, f.surface.clears)

	f.sess.Disconnect()
	require.Equal(t, StateDisconnected, f.sess.State())
	require.Equal(t, 1, tr.Closed())
	require.NoError(t, f.sess.LastError())
}

func TestDisconnectWithoutTransportIsNoop(t *testing.T) {
	f := newFixture(t)
	f.sess.Disconnect()
	require.Equal(t, StateIdle, f.sess.State())

	require.Error(t, f.sess.Connect(context.Background(), "nonexistent"))
	f.sess.Disconnect()
	require.Equal(t, StateError, f.sess.State())
}

func TestDisconnectWhileConnectingCancelsAttempt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	notify, tr := f.dialer.last()

	f.sess.Disconnect()
	require.Equal(t, StateDisconnected, f.sess.State())
	require.Equal(t, 1, tr.Closed())

	notify(Event{Kind: EventEstablished})
	require.Equal(t, StateDisconnected, f.sess.State())
}

func TestTransportFailureClassification(t *testing.T) {
	cases := []struct {
		code     int
		sentinel error
		kind     string
	}{
		{StatusClientUnauthorized, ErrTransportUnauthorized, "unauthorized"},
		{StatusClientForbidden, ErrTransportForbidden, "forbidden"},
		{StatusClientBadType, ErrTransportUnsupportedType, "unsupported_type"},
		{StatusServerError, ErrTransportServerError, "server_error"},
		{0x0207, ErrTransportGeneric, "generic"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
			notify, tr := f.dialer.last()
			notify(Event{Kind: EventFailed, Err: Classify(tc.code, "relay says no")})

			require.Equal(t, StateError, f.sess.State())
			require.ErrorIs(t, f.sess.LastError(), tc.sentinel)
			require.Equal(t, tc.kind, f.sess.Snapshot().ErrorKind)
			require.Equal(t, 1, tr.Closed())

			require.NoError(t, f.sess.Retry(context.Background()))
			require.Equal(t, StateConnecting, f.sess.State())
		})
	}
}

func TestRetryIssuesFreshToken(t *testing.T) {
	f := newFixture(t)
	f.connected(t)
	notify, _ := f.dialer.last()
	notify(Event{Kind: EventClosed})
	require.Equal(t, StateDisconnected, f.sess.State())

	require.NoError(t, f.sess.Retry(context.Background()))
	require.Equal(t, StateConnecting, f.sess.State())
	require.Equal(t, 2, f.enc.Calls())
	require.Equal(t, []string{
		"ws://localhost:8000/?token=tok-ubuntu-ssh-1",
		"ws://localhost:8000/?token=tok-ubuntu-ssh-2",
	}, f.dialer.endpoints)
	require.Equal(t, 2, f.sess.Snapshot().TokensIssued)
}

func TestRetryFromIdleIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Retry(context.Background()))
	require.Equal(t, StateIdle, f.sess.State())
	require.Equal(t, 0, f.enc.Calls())
}

func TestStaleNotificationsAreIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	oldNotify, _ := f.dialer.last()
	oldNotify(Event{Kind: EventFailed, Err: Classify(StatusServerError, "")})
	require.Equal(t, StateError, f.sess.State())

	require.NoError(t, f.sess.Retry(context.Background()))
	oldNotify(Event{Kind: EventEstablished})
	require.Equal(t, StateConnecting, f.sess.State())

	newNotify, _ := f.dialer.last()
	newNotify(Event{Kind: EventEstablished})
	require.Equal(t, StateConnected, f.sess.State())
}

func TestClosedBeforeEstablishedIsError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	notify, _ := f.dialer.last()
	notify(Event{Kind: EventClosed})
	require.Equal(t, StateError, f.sess.State())
	require.ErrorIs(t, f.sess.LastError(), ErrTransportGeneric)
}

func TestFailureWhileConnectedDisconnects(t *testing.T) {
	f := newFixture(t)
	tr := f.connected(t)
	notify, _ := f.dialer.last()
	notify(Event{Kind: EventFailed, Err: Classify(0x0203, "upstream error")})

	require.Equal(t, StateDisconnected, f.sess.State())
	require.Equal(t, 1, tr.Closed())
	require.ErrorIs(t, f.sess.LastError(), ErrTransportGeneric)
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.ConnectTimeout = 20 * time.Millisecond })
	require.NoError(t, f.sess.Connect(context.Background(), "ubuntu-ssh"))
	_, tr := f.dialer.last()

	require.Eventually(t, func() bool { return f.sess.State() == StateError }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, f.sess.LastError(), ErrTransportTimeout)
	require.Equal(t, 1, tr.Closed())
}

func TestConnectTimeoutStoppedOnEstablished(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.ConnectTimeout = 20 * time.Millisecond })
	f.connected(t)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateConnected, f.sess.State())
}

func TestOnChangeObservesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	f := newFixture(t, func(d *Deps) {
		d.OnChange = func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if len(seen) == 0 || seen[len(seen)-1] != s.State {
				seen = append(seen, s.State)
			}
		}
	})
	f.connected(t)
	f.sess.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, seen)
}

func TestScale(t *testing.T) {
	s := Scale(Size{Width: 800, Height: 500}, Size{Width: 1024, Height: 768})
	require.InDelta(t, 0.651, s, 0.0005)
	require.Equal(t, 1.0, Scale(Size{Width: 3000, Height: 2000}, Size{Width: 1024, Height: 768}))
	require.Equal(t, 1.0, Scale(Size{Width: 800, Height: 500}, Size{}))
	require.Equal(t, 1.0, Scale(Size{}, Size{Width: 1024, Height: 768}))
}

func TestEndpointURLEncodesToken(t *testing.T) {
	u, err := EndpointURL("ws://localhost:8000", "ab+c/d==")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/?token=ab%2Bc%2Fd%3D%3D", u)
}

func TestManagerSessionsAreIndependent(t *testing.T) {
	var mu sync.Mutex
	var removed []string
	f := newFixture(t, func(d *Deps) {
		d.OnRemove = func(id string) {
			mu.Lock()
			defer mu.Unlock()
			removed = append(removed, id)
		}
	})
	m := NewManager(f.sess.deps)
	a := m.Create(nil)
	b := m.Create(nil)
	require.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, a.Connect(context.Background(), "ubuntu-ssh"))
	require.NoError(t, b.Connect(context.Background(), "windows"))
	require.Equal(t, 2, f.enc.Calls())
	require.Len(t, m.List(), 2)
	require.Equal(t, 2, m.CountByState()[StateConnecting])

	require.True(t, m.Remove(a.ID()))
	require.Equal(t, StateDisconnected, a.State())
	require.Equal(t, StateConnecting, b.State())
	_, ok := m.Get(a.ID())
	require.False(t, ok)
	require.False(t, m.Remove(a.ID()))

	m.Close()
	require.Equal(t, StateDisconnected, b.State())
	require.Empty(t, m.List())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{a.ID(), b.ID()}, removed)
}
