package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/hasync/internal/metrics"
	"github.com/rickgao/hasync/internal/model"
	"github.com/rickgao/hasync/internal/retry"
)

// Transport is the part of a connection the store needs to keep entities fresh.
type Transport interface {
	// FetchStates returns the current snapshots for ids. Entities unknown to
	// the server are omitted from the result.
	FetchStates(ctx context.Context, ids []string) ([]model.EntityState, error)

	// SubscribeEntity opens a change feed for one entity. The returned cancel
	// func tears it down.
	SubscribeEntity(ctx context.Context, id string, fn func(model.EntityState)) (cancel func() error, err error)
}

// Callback receives every new snapshot of an entity it was registered for.
type Callback func(model.EntityState)

// Config holds Store configuration.
type Config struct {
	Retry        retry.Policy  // Per-entity fetch/subscribe retry policy
	SetupTimeout time.Duration // Per-attempt timeout for fetch and subscribe

	// OnError is called when an entity's setup failed after all retries.
	OnError func(entityID string, err error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Exponential: true,
			MaxDelay:    10 * time.Second,
		},
		SetupTimeout: 10 * time.Second,
	}
}

// Stats provides counts of the store's tables.
type Stats struct {
	Entities      int // Cached snapshots
	Interested    int // Entities with at least one callback
	Callbacks     int // Registered callbacks across all entities
	Subscriptions int // Live network subscriptions
	Pending       int // Network subscriptions still being set up
	Errors        int // Entities with a retained setup error
}

// netSub is one entry of the network subscription table.
type netSub struct {
	ctx    context.Context // Cancelled when the entry is dropped
	stop   context.CancelFunc
	cancel func() error // Set once the subscription is live
}

func (n *netSub) live() bool {
	return n.cancel != nil
}

// Store caches entity snapshots and multiplexes consumer callbacks onto at
// most one network subscription per entity.
//
// Callbacks run synchronously on the goroutine that applied the update. They
// may register and unregister callbacks and read the cache, but must not call
// Update or BatchUpdate.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	entities  map[string]model.EntityState
	callbacks map[string]map[uint64]Callback // entity → handle → callback
	nextID    uint64
	subs      map[string]*netSub // network subscription table
	errs      map[string]error   // retained setup errors

	transport Transport
	gen       uint64 // bumped on every transport change and Clear
	tctx      context.Context
	tcancel   context.CancelFunc

	// notifyMu serializes write+notify so each entity's callbacks observe
	// updates in the order they were applied.
	notifyMu sync.Mutex
}

// New creates an empty Store with no transport.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultConfig().Retry
	}

	return &Store{
		cfg:       cfg,
		logger:    logger,
		entities:  make(map[string]model.EntityState),
		callbacks: make(map[string]map[uint64]Callback),
		subs:      make(map[string]*netSub),
		errs:      make(map[string]error),
	}
}

// Register adds cb as a listener for id and returns the func that removes it.
// The first listener for an id opens its network subscription when a
// transport is installed. Registering the same func twice adds two listeners.
func (s *Store) Register(id string, cb Callback) (unregister func()) {
	s.mu.Lock()
	s.nextID++
	handle := s.nextID

	set, ok := s.callbacks[id]
	if !ok {
		set = make(map[uint64]Callback)
		s.callbacks[id] = set
	}
	set[handle] = cb

	if !ok && s.transport != nil {
		s.startSetupLocked([]string{id}, true)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unregister(id, handle) })
	}
}

// unregister removes one listener and, if it was the last one for id, drops
// the entity's network subscription.
func (s *Store) unregister(id string, handle uint64) {
	s.mu.Lock()
	set, ok := s.callbacks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(set, handle)
	if len(set) > 0 {
		s.mu.Unlock()
		return
	}

	delete(s.callbacks, id)
	delete(s.errs, id)
	sub := s.subs[id]
	delete(s.subs, id)
	s.updateGaugeLocked()
	s.mu.Unlock()

	if sub != nil {
		s.dropSub(id, sub)
	}
}

// Update replaces the cached snapshot for id and notifies its callbacks.
func (s *Store) Update(id string, state model.EntityState) {
	s.BatchUpdate([]model.EntityState{withID(id, state)})
}

// BatchUpdate writes every snapshot before notifying anyone, and notifies
// only the callbacks of entities present in states.
func (s *Store) BatchUpdate(states []model.EntityState) {
	s.applyBatch(states, 0, false)
}

// applyBatch writes states and notifies listeners. When checkGen is set the
// batch is dropped if the transport generation moved on.
func (s *Store) applyBatch(states []model.EntityState, gen uint64, checkGen bool) {
	if len(states) == 0 {
		return
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if checkGen && gen != s.gen {
		s.mu.Unlock()
		return
	}

	type delivery struct {
		state     model.EntityState
		callbacks []Callback
	}
	deliveries := make([]delivery, 0, len(states))
	for _, st := range states {
		s.entities[st.EntityID] = st
		deliveries = append(deliveries, delivery{state: st})
	}
	// Collect after all writes so a repeated id delivers its final value.
	for i := range deliveries {
		deliveries[i].callbacks = s.callbacksLocked(deliveries[i].state.EntityID)
		deliveries[i].state = s.entities[deliveries[i].state.EntityID]
	}
	s.mu.Unlock()

	metrics.EntityUpdatesTotal.Add(float64(len(states)))

	seen := make(map[string]struct{}, len(deliveries))
	for _, d := range deliveries {
		if _, dup := seen[d.state.EntityID]; dup {
			continue
		}
		seen[d.state.EntityID] = struct{}{}
		for _, cb := range d.callbacks {
			cb(d.state)
		}
	}
}

// callbacksLocked returns a copy of id's callbacks in registration order.
func (s *Store) callbacksLocked(id string) []Callback {
	set := s.callbacks[id]
	if len(set) == 0 {
		return nil
	}
	handles := make([]uint64, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]Callback, len(handles))
	for i, h := range handles {
		out[i] = set[h]
	}
	return out
}

// SetTransport installs the active transport (nil when disconnected).
// Installing the same transport again is a no-op. Any change cancels every
// network subscription of the previous transport before the new transport is
// asked for a snapshot and one subscription per registered entity.
func (s *Store) SetTransport(t Transport) {
	s.mu.Lock()
	if t == s.transport {
		s.mu.Unlock()
		return
	}

	old := s.swapTransportLocked(t)
	gen := s.gen
	s.mu.Unlock()

	s.dropAll(old)

	s.mu.Lock()
	if t != nil && s.gen == gen && len(s.callbacks) > 0 {
		s.startSetupLocked(s.interestedLocked(), false)
	}
	s.mu.Unlock()

	if t == nil {
		s.logger.Debug("transport removed", "dropped_subscriptions", len(old))
	} else {
		s.logger.Debug("transport installed", "dropped_subscriptions", len(old))
	}
}

// swapTransportLocked replaces the transport, bumps the generation and
// returns the old subscription table for the caller to cancel unlocked.
func (s *Store) swapTransportLocked(t Transport) map[string]*netSub {
	if s.tcancel != nil {
		s.tcancel()
	}
	s.transport = t
	s.gen++
	s.tctx, s.tcancel = nil, nil
	if t != nil {
		s.tctx, s.tcancel = context.WithCancel(context.Background())
	}

	old := s.subs
	s.subs = make(map[string]*netSub)
	s.updateGaugeLocked()
	return old
}

// Clear cancels every network subscription and empties all tables, including
// the transport reference. Used on logout and teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	old := s.swapTransportLocked(nil)
	s.entities = make(map[string]model.EntityState)
	s.callbacks = make(map[string]map[uint64]Callback)
	s.errs = make(map[string]error)
	s.mu.Unlock()

	s.dropAll(old)
	s.logger.Debug("store cleared")
}

// dropAll cancels a detached subscription table.
func (s *Store) dropAll(subs map[string]*netSub) {
	for id, sub := range subs {
		s.dropSub(id, sub)
	}
}

// dropSub stops an entry's setup and cancels its live subscription. Cancel
// errors are expected when the transport is already closed and are ignored.
func (s *Store) dropSub(id string, sub *netSub) {
	sub.stop()
	if sub.live() {
		if err := sub.cancel(); err != nil {
			s.logger.Debug("unsubscribe failed", "entity_id", id, "error", err)
		}
	}
}

// startSetupLocked creates pending table entries for ids and launches the
// snapshot fetch and subscriptions. Caller must hold mu with a transport set.
func (s *Store) startSetupLocked(ids []string, single bool) {
	pending := make(map[string]*netSub, len(ids))
	for _, id := range ids {
		if _, exists := s.subs[id]; exists {
			continue
		}
		ctx, stop := context.WithCancel(s.tctx)
		sub := &netSub{ctx: ctx, stop: stop}
		s.subs[id] = sub
		pending[id] = sub
	}
	if len(pending) == 0 {
		return
	}

	t, gen, tctx := s.transport, s.gen, s.tctx
	go s.setup(tctx, t, gen, pending)

	if single {
		s.logger.Debug("subscribing entity", "entity_id", ids[0])
	} else {
		s.logger.Debug("resubscribing entities", "count", len(pending))
	}
}

// setup fetches one snapshot covering all ids, then opens one subscription
// per id concurrently.
func (s *Store) setup(ctx context.Context, t Transport, gen uint64, pending map[string]*netSub) {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	states, fetchErr := retry.DoValue(ctx, func(ctx context.Context) ([]model.EntityState, error) {
		attemptCtx, cancel := s.attemptContext(ctx)
		defer cancel()
		return t.FetchStates(attemptCtx, ids)
	}, s.cfg.Retry)
	if ctx.Err() != nil {
		return
	}

	found := make(map[string]struct{}, len(states))
	if fetchErr != nil {
		s.logger.Warn("snapshot fetch failed", "entities", len(ids), "error", fetchErr)
	} else {
		for _, st := range states {
			found[st.EntityID] = struct{}{}
		}
		s.applyBatch(states, gen, true)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		var prior error
		if fetchErr != nil {
			prior = fmt.Errorf("fetch %s: %w", id, fetchErr)
		} else if _, ok := found[id]; !ok {
			prior = fmt.Errorf("fetch %s: %w", id, retry.ErrEntityUnavailable)
		}

		wg.Add(1)
		go func(id string, sub *netSub, prior error) {
			defer wg.Done()
			s.subscribe(t, gen, id, sub, prior)
		}(id, pending[id], prior)
	}
	wg.Wait()
}

// subscribe opens the network subscription for one entity with retries and
// installs it in the table if the entry is still wanted.
func (s *Store) subscribe(t Transport, gen uint64, id string, sub *netSub, prior error) {
	handler := func(st model.EntityState) {
		s.deliver(gen, id, sub, st)
	}

	cancel, err := retry.DoValue(sub.ctx, func(ctx context.Context) (func() error, error) {
		attemptCtx, done := s.attemptContext(ctx)
		defer done()
		return t.SubscribeEntity(attemptCtx, id, handler)
	}, s.cfg.Retry)

	s.mu.Lock()
	current := s.gen == gen && s.subs[id] == sub
	if !current {
		s.mu.Unlock()
		if err == nil {
			// Entry dropped while subscribing: tear the late subscription down.
			if cerr := cancel(); cerr != nil {
				s.logger.Debug("unsubscribe failed", "entity_id", id, "error", cerr)
			}
		}
		return
	}

	if err != nil {
		delete(s.subs, id)
		s.errs[id] = fmt.Errorf("subscribe %s: %w", id, err)
		s.updateGaugeLocked()
		s.mu.Unlock()
		s.setupFailed(id, err)
		return
	}

	sub.cancel = cancel
	if prior != nil {
		s.errs[id] = prior
	} else {
		delete(s.errs, id)
	}
	s.updateGaugeLocked()
	s.mu.Unlock()

	if prior != nil {
		s.setupFailed(id, prior)
	}
}

// deliver applies a pushed update if it comes from the live entry for id.
func (s *Store) deliver(gen uint64, id string, sub *netSub, st model.EntityState) {
	s.mu.Lock()
	current := s.gen == gen && s.subs[id] == sub
	s.mu.Unlock()
	if !current {
		return
	}
	s.applyBatch([]model.EntityState{withID(id, st)}, gen, true)
}

func (s *Store) setupFailed(id string, err error) {
	metrics.SubscriptionErrorsTotal.Inc()
	s.logger.Warn("entity subscription failed", "entity_id", id, "error", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(id, err)
	}
}

func (s *Store) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.SetupTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.SetupTimeout)
}

// updateGaugeLocked publishes the live subscription count.
func (s *Store) updateGaugeLocked() {
	live := 0
	for _, sub := range s.subs {
		if sub.live() {
			live++
		}
	}
	metrics.NetworkSubscriptions.Set(float64(live))
}

// -----------------------------------------------------------------------------
// Read accessors
// -----------------------------------------------------------------------------

// Entity returns the cached snapshot for id.
func (s *Store) Entity(id string) (model.EntityState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entities[id]
	return st, ok
}

// EntityOrPlaceholder returns the cached snapshot or an "unknown" placeholder.
func (s *Store) EntityOrPlaceholder(id string) model.EntityState {
	if st, ok := s.Entity(id); ok {
		return st
	}
	return model.Placeholder(id, time.Now())
}

// Err returns the retained setup error for id, if any.
func (s *Store) Err(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[id]
}

// Interested returns the sorted ids that have at least one callback.
func (s *Store) Interested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interestedLocked()
}

func (s *Store) interestedLocked() []string {
	ids := make([]string, 0, len(s.callbacks))
	for id := range s.callbacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribed reports whether id has a live network subscription.
func (s *Store) Subscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	return ok && sub.live()
}

// Stats returns current table sizes.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Entities:   len(s.entities),
		Interested: len(s.callbacks),
		Errors:     len(s.errs),
	}
	for _, set := range s.callbacks {
		st.Callbacks += len(set)
	}
	for _, sub := range s.subs {
		if sub.live() {
			st.Subscriptions++
		} else {
			st.Pending++
		}
	}
	return st
}

// withID returns st keyed by id.
func withID(id string, st model.EntityState) model.EntityState {
	st.EntityID = id
	return st
}

// SubscriptionCount returns the number of live network subscriptions.
func (s *Store) SubscriptionCount() int {
	return s.Stats().Subscriptions
}
