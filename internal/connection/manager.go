package connection

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/hasync/internal/metrics"
)

// DialFunc creates and authenticates a new transport.
type DialFunc func(ctx context.Context) (Transport, error)

// Manager runs the connection state machine. Every trigger (start, dial
// result, transport event, retry timer, manual reconnect) goes through
// dispatch, so overlapping triggers collapse into state transitions and at
// most one dial is in flight.
//
// Observers run with no lock held and may call back into the Manager,
// including Reconnect and Stop. Notifications are delivered in transition
// order; a trigger raised from inside an observer is delivered after the
// current one returns.
type Manager struct {
	cfg    ManagerConfig
	dial   DialFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	started   bool
	stopped   bool
	attempt   uint64    // bumped per dial; stale dial results are discarded
	owned     Transport // transport whose listeners are installed
	unlisten  []func()
	published Transport // last transport handed to OnTransport observers
	timer     *time.Timer
	retryAt   time.Time

	// Pending observer notifications, drained by one goroutine at a time.
	notices  []func()
	draining bool

	watchers    map[uint64]func(State)
	transportFn []func(Transport)
	nextWatcher uint64
}

// NewManager creates a Manager in the idle state.
func NewManager(cfg ManagerConfig, dial DialFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = DefaultManagerConfig().ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = DefaultManagerConfig().ReconnectMaxWait
	}

	return &Manager{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		state:    State{Phase: PhaseIdle},
		watchers: make(map[uint64]func(State)),
	}
}

// Backoff returns the reconnect delay after retryCount consecutive failures:
// min(base·2^(n-1), max).
func (m *Manager) Backoff(retryCount int) time.Duration {
	d := m.cfg.ReconnectBaseWait
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= m.cfg.ReconnectMaxWait {
			return m.cfg.ReconnectMaxWait
		}
	}
	if d > m.cfg.ReconnectMaxWait {
		d = m.cfg.ReconnectMaxWait
	}
	return d
}

// Start begins connecting.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info("connection manager started",
		"auto_reconnect", m.cfg.AutoReconnect,
		"backoff_base", m.cfg.ReconnectBaseWait,
		"backoff_max", m.cfg.ReconnectMaxWait,
	)

	m.dispatch(StartConnecting{})
	return nil
}

// Stop cancels timers and in-flight dials, closes the active transport and
// waits for background goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.attempt++
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
	}
	old := m.releaseLocked()
	if m.published != nil {
		m.published = nil
		fns := append([]func(Transport){}, m.transportFn...)
		m.notices = append(m.notices, func() {
			for _, fn := range fns {
				fn(nil)
			}
		})
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.drain()

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	metrics.SetPhase(string(PhaseIdle))
	m.logger.Info("connection manager stopped")
	return nil
}

// Reconnect abandons the current transport and any pending backoff and
// connects again immediately with the retry count reset.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.attempt++
	old := m.releaseLocked()
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("close previous transport", "error", err)
		}
	}

	m.logger.Info("manual reconnect")
	m.dispatch(ManualReconnect{})
	m.dispatch(StartConnecting{})
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryCountdown returns the time left until the scheduled reconnect, or
// zero when none is pending.
func (m *Manager) RetryCountdown() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return 0
	}
	if d := time.Until(m.retryAt); d > 0 {
		return d
	}
	return 0
}

// Watch calls fn with every new state until the returned func is called.
func (m *Manager) Watch(fn func(State)) (cancel func()) {
	m.mu.Lock()
	m.nextWatcher++
	id := m.nextWatcher
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// OnTransport calls fn whenever the usable transport changes: the new
// transport on connect, nil on loss.
func (m *Manager) OnTransport(fn func(Transport)) {
	m.mu.Lock()
	m.transportFn = append(m.transportFn, fn)
	m.mu.Unlock()
}

// dispatch applies ev, performs the side effects of the transition and
// queues its notifications. It returns the resulting state.
func (m *Manager) dispatch(ev Event) State {
	m.mu.Lock()
	if m.stopped {
		s := m.state
		m.mu.Unlock()
		return s
	}

	prev := m.state
	next, changed := transition(prev, ev)
	if !changed {
		m.mu.Unlock()
		return prev
	}
	m.state = next

	// Leaving disconnected/error cancels any pending retry.
	if next.Phase != PhaseDisconnected && next.Phase != PhaseError {
		m.stopTimerLocked()
	}

	var replaced Transport
	if next.Transport != nil && next.Transport != m.owned {
		replaced = m.releaseLocked()
		m.owned = next.Transport
		m.listenLocked(next.Transport)
	}

	if next.Phase == PhaseConnecting && prev.Phase != PhaseConnecting {
		m.attempt++
		m.wg.Add(1)
		go m.connect(m.ctx, m.attempt)
	}

	if (next.Phase == PhaseDisconnected || next.Phase == PhaseError) && m.cfg.AutoReconnect && !next.NeedsReauth {
		m.scheduleRetryLocked(next.RetryCount)
	}

	publish := next.Transport != m.published
	m.published = next.Transport
	watchers := m.watchersLocked()
	transportFns := append([]func(Transport){}, m.transportFn...)

	m.notices = append(m.notices, func() {
		m.logTransition(prev, next, ev)
		metrics.SetPhase(string(next.Phase))

		if publish {
			for _, fn := range transportFns {
				fn(next.Transport)
			}
		}
		if next.NeedsReauth && m.cfg.OnReauth != nil {
			m.cfg.OnReauth(next.Err)
		}
		for _, fn := range watchers {
			fn(next)
		}
	})
	m.mu.Unlock()

	if replaced != nil {
		if err := replaced.Close(); err != nil {
			m.logger.Debug("close replaced transport", "error", err)
		}
	}
	m.drain()

	return next
}

// drain runs queued notifications until the queue is empty. If another
// goroutine (or an observer further up this stack) is already draining, it
// returns and leaves the work to that drainer.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true

	for len(m.notices) > 0 {
		fn := m.notices[0]
		m.notices[0] = nil
		m.notices = m.notices[1:]

		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}

	m.draining = false
	m.mu.Unlock()
}

// connect runs one dial attempt. It leaves the wait group before
// dispatching the result so an observer may call Stop.
func (m *Manager) connect(ctx context.Context, attempt uint64) {
	dialCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	t, err := m.dial(dialCtx)

	m.mu.Lock()
	stale := attempt != m.attempt || m.stopped
	m.mu.Unlock()
	if stale {
		if t != nil {
			t.Close()
		}
		m.wg.Done()
		return
	}
	m.wg.Done()

	if err != nil {
		metrics.ConnectionAttemptsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("connection attempt failed", "error", err)
		m.dispatch(ConnectionError{Err: err})
		return
	}

	metrics.ConnectionAttemptsTotal.WithLabelValues("success").Inc()
	if s := m.dispatch(ConnectionSuccess{Transport: t}); s.Transport != t {
		// Another transport became ready first, or the manager stopped.
		t.Close()
	}
}

// listenLocked subscribes to t's lifecycle events.
func (m *Manager) listenLocked(t Transport) {
	m.unlisten = append(m.unlisten,
		t.AddListener(EventDisconnected, func() {
			if m.isOwned(t) {
				m.dispatch(Disconnected{})
			}
		}),
		t.AddListener(EventReady, func() {
			if m.isOwned(t) {
				m.dispatch(Ready{Transport: t})
			}
		}),
	)
}

func (m *Manager) isOwned(t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owned == t
}

// releaseLocked removes listeners from the owned transport and returns it
// for the caller to close.
func (m *Manager) releaseLocked() Transport {
	for _, remove := range m.unlisten {
		remove()
	}
	m.unlisten = nil
	old := m.owned
	m.owned = nil
	return old
}

func (m *Manager) scheduleRetryLocked(retryCount int) {
	m.stopTimerLocked()

	delay := m.Backoff(retryCount)
	m.retryAt = time.Now().Add(delay)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := m.timer == t
		if current {
			m.timer = nil
		}
		m.mu.Unlock()
		if current {
			m.dispatch(RetryScheduled{})
		}
	})
	m.timer = t

	metrics.ReconnectsScheduledTotal.Inc()
	m.logger.Info("reconnect scheduled", "retry_count", retryCount, "backoff", delay)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.retryAt = time.Time{}
}

func (m *Manager) watchersLocked() []func(State) {
	ids := make([]uint64, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(State), len(ids))
	for i, id := range ids {
		out[i] = m.watchers[id]
	}
	return out
}

func (m *Manager) logTransition(prev, next State, ev Event) {
	attrs := []any{
		"from", prev.Phase,
		"to", next.Phase,
		"retry_count", next.RetryCount,
	}
	switch ev := ev.(type) {
	case ConnectionError:
		attrs = append(attrs, "error", ev.Err, "needs_reauth", next.NeedsReauth)
	}

	if next.Phase == PhaseError || next.Phase == PhaseDisconnected {
		m.logger.Warn("connection state changed", attrs...)
		return
	}
	m.logger.Info("connection state changed", attrs...)
}
