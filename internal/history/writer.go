package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/hasync/internal/buffer"
	"github.com/rickgao/hasync/internal/metrics"
	"github.com/rickgao/hasync/internal/model"
)

// Config holds writer configuration.
type Config struct {
	BatchSize     int           // Flush when this many rows are pending (default: 100)
	FlushInterval time.Duration // Flush at least this often (default: 1s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// Batcher sends a batch of queued statements. *pgxpool.Pool implements it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Record is a state change waiting to be written.
type Record struct {
	State      model.EntityState
	ReceivedAt time.Time
}

// Stats contains writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// stateRow is one state_history row.
type stateRow struct {
	ID          uuid.UUID
	EntityID    string
	State       string
	Attributes  []byte
	LastChanged time.Time
	LastUpdated time.Time
	ContextID   string
	ReceivedAt  int64
}

// StateWriter consumes Records from a queue and writes them to
// state_history.
type StateWriter struct {
	cfg    Config
	logger *slog.Logger

	input *buffer.Queue[Record]
	db    Batcher

	// Batching
	batch   []stateRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// NewStateWriter creates a new StateWriter.
func NewStateWriter(cfg Config, input *buffer.Queue[Record], db Batcher, logger *slog.Logger) *StateWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	return &StateWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]stateRow, 0, cfg.BatchSize),
	}
}

// Observe queues a snapshot. It never blocks and is safe to use as a store
// callback. Placeholders are skipped.
func (w *StateWriter) Observe(st model.EntityState) {
	if st.IsPlaceholder() {
		return
	}
	if !w.input.Push(Record{State: st, ReceivedAt: time.Now()}) {
		w.logger.Debug("history queue closed, dropping state", "entity_id", st.EntityID)
	}
}

// Start begins consuming records and writing to the database.
func (w *StateWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.logger.Info("history writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the queue, flushes and shuts the writer down.
func (w *StateWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping history writer")

	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("history writer stop timed out")
		if w.cancel != nil {
			w.cancel()
		}
		<-done
	}

	// Final flush outlives both our context and an expired caller deadline.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, rec := range w.input.Drain(0) {
		w.add(rec)
	}
	w.flush(flushCtx)

	if w.cancel != nil {
		w.cancel()
	}
	w.logger.Info("history writer stopped")
	return nil
}

// Stats returns current counters.
func (w *StateWriter) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop accumulates records and flushes on size or interval.
func (w *StateWriter) consumeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		case <-w.input.Ready():
			recs := w.input.Drain(w.cfg.BatchSize)
			if len(recs) == 0 {
				// Closed and drained.
				w.flush(w.ctx)
				return
			}
			for _, rec := range recs {
				if w.add(rec) {
					w.flush(w.ctx)
				}
			}
		}
	}
}

// add transforms rec and appends it to the batch. It reports whether the
// batch is full.
func (w *StateWriter) add(rec Record) bool {
	row := w.transform(rec)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a Record to a stateRow.
func (w *StateWriter) transform(rec Record) stateRow {
	st := rec.State

	attrs := st.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		w.logger.Warn("encode attributes", "entity_id", st.EntityID, "error", err)
		data = []byte("{}")
	}

	return stateRow{
		ID:          uuid.New(),
		EntityID:    st.EntityID,
		State:       st.State,
		Attributes:  data,
		LastChanged: st.LastChanged,
		LastUpdated: st.LastUpdated,
		ContextID:   st.Context.ID,
		ReceivedAt:  rec.ReceivedAt.UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *StateWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]stateRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		metrics.HistoryRowsTotal.WithLabelValues("error").Add(float64(len(batch)))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	inserted := len(batch) - conflicts
	metrics.HistoryRowsTotal.WithLabelValues("inserted").Add(float64(inserted))
	metrics.HistoryRowsTotal.WithLabelValues("conflict").Add(float64(conflicts))

	w.batchMu.Lock()
	w.stats.Inserts += int64(inserted)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed state history",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *StateWriter) batchInsert(ctx context.Context, rows []stateRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO state_history (id, entity_id, state, attributes, last_changed, last_updated, context_id, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (entity_id, last_updated) DO NOTHING
		`, r.ID, r.EntityID, r.State, r.Attributes, r.LastChanged, r.LastUpdated, r.ContextID, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
