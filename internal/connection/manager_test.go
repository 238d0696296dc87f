package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/hasync/internal/auth"
)

// scriptedDialer returns queued results in order; once the queue is empty it
// blocks until ctx is done.
type scriptedDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	gate    chan struct{}
}

type dialResult struct {
	t   Transport
	err error
}

func (d *scriptedDialer) dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	var next *dialResult
	if len(d.results) > 0 {
		r := d.results[0]
		d.results = d.results[1:]
		next = &r
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if next == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return next.t, next.err
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type phaseLog struct {
	mu     sync.Mutex
	states []State
}

func (l *phaseLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *phaseLog) phases() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Phase, len(l.states))
	for i, s := range l.states {
		out[i] = s.Phase
	}
	return out
}

func managerConfig(base time.Duration) ManagerConfig {
	return ManagerConfig{
		AutoReconnect:     true,
		ReconnectBaseWait: base,
		ReconnectMaxWait:  30 * base,
		ConnectTimeout:    5 * time.Second,
	}
}

func waitForState(t *testing.T, m *Manager, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.State(); cond(s) {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached, state = %v", m.State())
	return State{}
}

func stopManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestManager_Backoff(t *testing.T) {
	m := NewManager(ManagerConfig{
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  30 * time.Second,
	}, nil, nil)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := m.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestManager_ConnectsOnStart(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{results: []dialResult{{t: tr}}}

	var mu sync.Mutex
	var published []Transport
	m := NewManager(managerConfig(time.Hour), d.dial, nil)
	m.OnTransport(func(t Transport) {
		mu.Lock()
		published = append(published, t)
		mu.Unlock()
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s := waitForState(t, m, State.Connected)
	if s.Transport != tr {
		t.Errorf("Transport = %v, want t1", s.Transport)
	}
	if s.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", s.RetryCount)
	}

	stopManager(t, m)

	eventually(t, "nil published", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if published[0] != tr || published[1] != nil {
		t.Errorf("published = %v, want [t1 <nil>]", published)
	}
	if tr.closeCount() != 1 {
		t.Errorf("close count = %d, want 1", tr.closeCount())
	}
}

func TestManager_OverlappingTriggersDialOnce(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{
		results: []dialResult{{t: tr}},
		gate:    make(chan struct{}),
	}
	m := NewManager(managerConfig(time.Hour), d.dial, nil)
	defer stopManager(t, m)

	m.Start(context.Background())
	m.Start(context.Background())
	m.dispatch(StartConnecting{})
	m.dispatch(RetryScheduled{})

	eventually(t, "dial started", func() bool { return d.callCount() >= 1 })
	close(d.gate)
	waitForState(t, m, State.Connected)

	if got := d.callCount(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
}

func TestManager_RetriesWithBackoff(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{results: []dialResult{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{t: tr},
	}}

	log := &phaseLog{}
	m := NewManager(managerConfig(5*time.Millisecond), d.dial, nil)
	m.Watch(log.record)
	defer stopManager(t, m)

	m.Start(context.Background())
	s := waitForState(t, m, State.Connected)

	if s.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 after success", s.RetryCount)
	}
	if got := d.callCount(); got != 3 {
		t.Errorf("dial calls = %d, want 3", got)
	}

	want := []Phase{
		PhaseConnecting, PhaseError,
		PhaseConnecting, PhaseError,
		PhaseConnecting, PhaseConnected,
	}
	waitForPhases(t, log, want)

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.states[1].RetryCount != 1 || log.states[3].RetryCount != 2 {
		t.Errorf("retry counts = %d, %d, want 1, 2", log.states[1].RetryCount, log.states[3].RetryCount)
	}
}

func TestManager_RetryCountdown(t *testing.T) {
	d := &scriptedDialer{results: []dialResult{{err: errors.New("refused")}}}
	m := NewManager(managerConfig(time.Hour), d.dial, nil)
	defer stopManager(t, m)

	if got := m.RetryCountdown(); got != 0 {
		t.Errorf("RetryCountdown() before start = %v, want 0", got)
	}

	m.Start(context.Background())
	waitForState(t, m, func(s State) bool { return s.Phase == PhaseError })

	got := m.RetryCountdown()
	if got <= 59*time.Minute || got > time.Hour {
		t.Errorf("RetryCountdown() = %v, want ~1h", got)
	}
}

func TestManager_NoAutoReconnect(t *testing.T) {
	d := &scriptedDialer{results: []dialResult{{err: errors.New("refused")}}}
	cfg := managerConfig(time.Millisecond)
	cfg.AutoReconnect = false
	m := NewManager(cfg, d.dial, nil)
	defer stopManager(t, m)

	m.Start(context.Background())
	waitForState(t, m, func(s State) bool { return s.Phase == PhaseError })
	time.Sleep(20 * time.Millisecond)

	if got := d.callCount(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
	if got := m.RetryCountdown(); got != 0 {
		t.Errorf("RetryCountdown() = %v, want 0", got)
	}
}

func TestManager_DisconnectThenReadySameTransport(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{results: []dialResult{{t: tr}}}

	log := &phaseLog{}
	m := NewManager(managerConfig(time.Hour), d.dial, nil)
	defer stopManager(t, m)

	m.Start(context.Background())
	waitForState(t, m, State.Connected)
	m.Watch(log.record)

	tr.Emit(EventDisconnected)
	if s := m.State(); s.Phase != PhaseDisconnected || s.RetryCount != 1 {
		t.Fatalf("state = %v, want disconnected(retry=1)", s)
	}

	tr.Emit(EventReady)
	s := m.State()
	if !s.Connected() || s.Transport != tr {
		t.Fatalf("state = %v, want connected on t1", s)
	}
	if s.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", s.RetryCount)
	}

	// A duplicate ready is a no-op.
	tr.Emit(EventReady)

	waitForPhases(t, log, []Phase{PhaseDisconnected, PhaseConnected})
	if tr.closeCount() != 0 {
		t.Errorf("close count = %d, want 0", tr.closeCount())
	}
	if got := d.callCount(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
}

func TestManager_ReplacedTransportReleased(t *testing.T) {
	t1 := newFakeTransport("t1")
	t2 := newFakeTransport("t2")
	d := &scriptedDialer{results: []dialResult{{t: t1}, {t: t2}}}

	m := NewManager(managerConfig(5*time.Millisecond), d.dial, nil)
	defer stopManager(t, m)

	m.Start(context.Background())
	waitForState(t, m, State.Connected)

	t1.Emit(EventDisconnected)
	s := waitForState(t, m, func(s State) bool { return s.Connected() && s.Transport == t2 })
	if s.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", s.RetryCount)
	}

	if got := t1.listenerCount(); got != 0 {
		t.Errorf("t1 listeners = %d, want 0", got)
	}
	if got := t1.closeCount(); got != 1 {
		t.Errorf("t1 close count = %d, want 1", got)
	}

	// Events from the released transport are ignored.
	t1.Emit(EventDisconnected)
	if s := m.State(); s.Transport != t2 {
		t.Errorf("state = %v after stale event, want connected on t2", s)
	}
}

func TestManager_ManualReconnect(t *testing.T) {
	t1 := newFakeTransport("t1")
	t2 := newFakeTransport("t2")
	d := &scriptedDialer{results: []dialResult{
		{err: errors.New("refused")},
		{t: t2},
	}}

	m := NewManager(managerConfig(time.Hour), d.dial, nil)
	defer stopManager(t, m)

	m.Start(context.Background())
	waitForState(t, m, func(s State) bool { return s.Phase == PhaseError })

	m.Reconnect()
	s := waitForState(t, m, State.Connected)
	if s.Transport != t2 {
		t.Errorf("Transport = %v, want t2", s.Transport)
	}
	if got := m.RetryCountdown(); got != 0 {
		t.Errorf("RetryCountdown() = %v, want 0", got)
	}

	// Reconnecting while connected closes the active transport.
	d.mu.Lock()
	d.results = append(d.results, dialResult{t: t1})
	d.mu.Unlock()

	m.Reconnect()
	waitForState(t, m, func(s State) bool { return s.Connected() && s.Transport == t1 })
	if got := t2.closeCount(); got != 1 {
		t.Errorf("t2 close count = %d, want 1", got)
	}
	if got := t2.listenerCount(); got != 0 {
		t.Errorf("t2 listeners = %d, want 0", got)
	}
}

func TestManager_ReauthSuspendsRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth invalid", fmt.Errorf("authenticate: %w", auth.ErrAuthInvalid)},
		{"refresh failed", fmt.Errorf("token: %w", auth.ErrRefreshFailed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &scriptedDialer{results: []dialResult{{err: tt.err}}}

			reauth := make(chan error, 1)
			cfg := managerConfig(time.Millisecond)
			cfg.OnReauth = func(err error) { reauth <- err }

			m := NewManager(cfg, d.dial, nil)
			defer stopManager(t, m)

			m.Start(context.Background())
			s := waitForState(t, m, func(s State) bool { return s.Phase == PhaseError })
			if !s.NeedsReauth {
				t.Errorf("NeedsReauth = false, want true")
			}

			select {
			case err := <-reauth:
				if !errors.Is(err, tt.err) {
					t.Errorf("OnReauth error = %v, want %v", err, tt.err)
				}
			case <-time.After(time.Second):
				t.Fatal("OnReauth not called")
			}

			time.Sleep(20 * time.Millisecond)
			if got := d.callCount(); got != 1 {
				t.Errorf("dial calls = %d, want 1", got)
			}
		})
	}
}

func TestManager_StopDiscardsInFlightDial(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{
		results: []dialResult{{t: tr}},
		gate:    make(chan struct{}),
	}
	m := NewManager(managerConfig(time.Hour), d.dial, nil)

	m.Start(context.Background())
	eventually(t, "dial started", func() bool { return d.callCount() == 1 })

	stopManager(t, m)

	if s := m.State(); s.Connected() {
		t.Errorf("state = %v after Stop, want not connected", s)
	}
}

func TestManager_ReconnectFromWatcher(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{results: []dialResult{
		{err: errors.New("refused")},
		{t: tr},
	}}
	m := NewManager(managerConfig(time.Hour), d.dial, nil)
	defer stopManager(t, m)

	returned := make(chan struct{})
	var once sync.Once
	m.Watch(func(s State) {
		if s.Phase == PhaseError {
			once.Do(func() {
				m.Reconnect()
				close(returned)
			})
		}
	})

	m.Start(context.Background())
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Reconnect from a watcher did not return, state = %v", m.State())
	}

	s := waitForState(t, m, State.Connected)
	if s.Transport != tr {
		t.Errorf("Transport = %v, want t1", s.Transport)
	}
	if got := d.callCount(); got != 2 {
		t.Errorf("dial calls = %d, want 2", got)
	}
}

func TestManager_ReconnectFromOnReauth(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{results: []dialResult{
		{err: fmt.Errorf("authenticate: %w", auth.ErrAuthInvalid)},
		{t: tr},
	}}

	returned := make(chan struct{})
	var m *Manager
	cfg := managerConfig(time.Hour)
	cfg.OnReauth = func(error) {
		m.Reconnect()
		close(returned)
	}
	m = NewManager(cfg, d.dial, nil)
	defer stopManager(t, m)

	m.Start(context.Background())
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("Reconnect from OnReauth did not return, state = %v", m.State())
	}

	s := waitForState(t, m, State.Connected)
	if s.NeedsReauth {
		t.Error("NeedsReauth = true after reconnect, want false")
	}

	// The manager keeps processing events afterwards.
	tr.Emit(EventDisconnected)
	waitForState(t, m, func(s State) bool { return s.Phase == PhaseDisconnected })
}

func TestManager_StopFromWatcher(t *testing.T) {
	tr := newFakeTransport("t1")
	d := &scriptedDialer{results: []dialResult{{t: tr}}}
	m := NewManager(managerConfig(time.Hour), d.dial, nil)

	stopped := make(chan struct{})
	var once sync.Once
	m.Watch(func(s State) {
		if s.Connected() {
			once.Do(func() {
				stopManager(t, m)
				close(stopped)
			})
		}
	})

	m.Start(context.Background())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop from a watcher did not return")
	}
	eventually(t, "transport closed", func() bool { return tr.closeCount() == 1 })
}

func waitForPhases(t *testing.T, log *phaseLog, want []Phase) {
	t.Helper()
	eventually(t, fmt.Sprintf("phases %v", want), func() bool {
		return len(log.phases()) >= len(want)
	})
	assertPhases(t, log.phases(), want)
}

func assertPhases(t *testing.T, got, want []Phase) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}
}
