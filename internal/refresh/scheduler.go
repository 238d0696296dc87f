package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/hasync/internal/auth"
	"github.com/rickgao/hasync/internal/connection"
	"github.com/rickgao/hasync/internal/metrics"
	"github.com/rickgao/hasync/internal/retry"
)

// Trigger names, also used as metric labels.
const (
	TriggerPeriodic   = "periodic"
	TriggerVisibility = "visibility"
)

// Config holds scheduler configuration.
type Config struct {
	Interval   time.Duration // Periodic check interval (default: 30m)
	Buffer     time.Duration // Refresh when expiring within this window (default: 5m)
	Timeout    time.Duration // Per-attempt timeout (default: 15s)
	Periodic   retry.Policy
	Visibility retry.Policy // Fails faster than Periodic
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Minute,
		Buffer:   5 * time.Minute,
		Timeout:  15 * time.Second,
		Periodic: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			Exponential: true,
			MaxDelay:    time.Minute,
		},
		Visibility: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Second,
			Exponential: true,
			MaxDelay:    5 * time.Second,
		},
	}
}

// StateSource is the connection state the scheduler follows.
// *connection.Manager implements it.
type StateSource interface {
	State() connection.State
	Watch(fn func(connection.State)) (cancel func())
}

// trigger is the retry state of one refresh path. While inProgress is set
// further firings of the same trigger are dropped.
type trigger struct {
	name       string
	policy     retry.Policy
	inProgress bool
}

// Scheduler proactively refreshes an expiring credential while connected.
type Scheduler struct {
	cfg    Config
	cred   auth.Credential
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	active     bool               // connected; triggers allowed
	session    context.Context    // lives while connected
	stopActive context.CancelFunc // ends the ticker and in-flight retries
	periodic   *trigger
	visibility *trigger
	detach     func()
}

// New creates a Scheduler for cred.
func New(cfg Config, cred auth.Credential, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Scheduler{
		cfg:        cfg,
		cred:       cred,
		logger:     logger,
		periodic:   &trigger{name: TriggerPeriodic, policy: cfg.Periodic},
		visibility: &trigger{name: TriggerVisibility, policy: cfg.Visibility},
	}
}

// Start prepares the scheduler. Checks begin once the connection is reported
// up through Attach or Connected.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("refresh scheduler started",
		"interval", s.cfg.Interval,
		"buffer", s.cfg.Buffer,
	)
	return nil
}

// Attach follows src: checks run while it is connected and stop otherwise.
func (s *Scheduler) Attach(src StateSource) {
	cancel := src.Watch(s.observe)

	s.mu.Lock()
	if s.detach != nil {
		s.detach()
	}
	s.detach = cancel
	s.mu.Unlock()

	s.observe(src.State())
}

func (s *Scheduler) observe(st connection.State) {
	if st.Connected() {
		s.Connected()
		return
	}
	s.Disconnected()
}

// Connected starts the periodic check. It is a no-op when already running.
func (s *Scheduler) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.active = true

	ctx, cancel := context.WithCancel(s.ctx)
	s.session = ctx
	s.stopActive = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Debug("periodic refresh enabled")
}

// Disconnected stops the periodic check and abandons pending retries.
func (s *Scheduler) Disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateLocked()
}

func (s *Scheduler) deactivateLocked() {
	if !s.active {
		return
	}
	s.active = false
	if s.stopActive != nil {
		s.stopActive()
		s.stopActive = nil
	}
	s.logger.Debug("periodic refresh disabled")
}

// VisibilityRegained checks the credential now, using the visibility retry
// policy. It reports whether a check was started.
func (s *Scheduler) VisibilityRegained() bool {
	return s.fire(s.visibility)
}

// Stop clears all timers and waits for in-flight checks.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.deactivateLocked()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("refresh scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the periodic loop.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Check immediately on connect.
	s.fire(s.periodic)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(s.periodic)
		}
	}
}

// fire starts a check for t unless one is already running or the
// connection is down.
func (s *Scheduler) fire(t *trigger) bool {
	s.mu.Lock()
	if !s.active || t.inProgress {
		active := s.active
		s.mu.Unlock()
		s.logger.Debug("refresh check skipped", "trigger", t.name, "connected", active)
		return false
	}
	t.inProgress = true
	ctx := s.session
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			t.inProgress = false
			s.mu.Unlock()
		}()
		s.check(ctx, t)
	}()
	return true
}

// check runs RefreshIfExpiring under t's retry policy.
func (s *Scheduler) check(ctx context.Context, t *trigger) {
	policy := t.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		s.logger.Debug("refresh attempt failed",
			"trigger", t.name,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
	}

	refreshed, err := retry.DoValue(ctx, func(ctx context.Context) (bool, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		return auth.RefreshIfExpiring(attemptCtx, s.cred, s.cfg.Buffer)
	}, policy)

	switch {
	case err != nil:
		metrics.TokenRefreshesTotal.WithLabelValues(t.name, "failed").Inc()
		s.logger.Warn("credential refresh failed, waiting for next trigger",
			"trigger", t.name,
			"error", err,
		)
	case refreshed:
		metrics.TokenRefreshesTotal.WithLabelValues(t.name, "refreshed").Inc()
		s.logger.Info("credential refreshed",
			"trigger", t.name,
			"expires_at", s.cred.Expiry(),
		)
	default:
		metrics.TokenRefreshesTotal.WithLabelValues(t.name, "skipped").Inc()
	}
}
