// Package parquetbuffer implements the Parquet Buffer/Uploader: a
// size-bounded, per-table columnar batcher that flushes whole input
// batches to object storage and reports uploaded ranges back to the
// Version Tracker. Grounded on
// sdk-processor/src/steps/common/parquet_buffer_step.rs
// (ParquetBufferStep::handle_buffer_append/poll/cleanup) and
// processor/src/parquet_manager.rs (object key layout).
package parquetbuffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainsync-labs/tx-indexer/internal/metrics"
	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// Notifier receives the Manager's flush acknowledgements: on every
// successful flush the Manager reports the flushed table's range through
// it, matching §4.4's "Acknowledgement" rule. cmd/indexer's trackerHub
// implements it by forwarding a Partial event to the Version Tracker.
type Notifier interface {
	Process(ev TrackerEvent) error
}

// TrackerEvent mirrors tracker.Event's shape without importing the tracker
// package directly, avoiding a dependency cycle (tracker has no reason to
// know about parquetbuffer).
type TrackerEvent struct {
	Start         model.Version
	End           model.Version
	LastTimestamp *time.Time
}

// tableBuffer is the per-table state described in the component design:
// an append-only row sequence, its accumulated size, and the range
// metadata of whatever is currently buffered.
type tableBuffer struct {
	rows         []model.Row
	sizeBytes    int64
	firstVersion model.Version
	lastVersion  model.Version
	lastTimestamp time.Time
	hasContent   bool
}

// Config holds the Manager's tunables.
type Config struct {
	MaxBufferBytes int64// recommended default: 200 MiB
	PollInterval   time.Duration
}

// Manager buffers extracted records per table and flushes whole batches to
// object storage on the size threshold, a periodic poll, or shutdown. It is
// safe for concurrent Append calls from multiple extraction-task
// goroutines: a single mutex serializes every table's bookkeeping, so two
// batches racing for the same table can never interleave their row
// appends or their range bookkeeping, only reorder which one is recorded
// first — which Append tolerates by tracking each table's range as a
// min/max over every append rather than trusting call order.
type Manager struct {
	cfg      Config
	uploader Uploader
	notify   Notifier
	metrics  *metrics.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	buffers map[string]*tableBuffer
	counter uint64
}

// New constructs a Manager. A zero Config.MaxBufferBytes defaults to 200
// MiB, a zero PollInterval defaults to 10s, matching the recommended
// defaults.
func New(cfg Config, uploader Uploader, notify Notifier, reg *metrics.Registry, logger zerolog.Logger) *Manager {
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = 200 * 1024 * 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		uploader: uploader,
		notify:   notify,
		metrics:  reg,
		logger:   logger,
		buffers:  make(map[string]*tableBuffer),
	}
}

// rowSize approximates the serialized size of one record. A real
// implementation could ask the arrow builder for its current buffered
// size; this estimate is conservative enough to trigger flushes at
// roughly the configured threshold without requiring a full columnar
// encode on every append.
func rowSize(r model.Row) int64 {
	return 256
}

// Append implements the flush-before-split rule from the component design:
// for each table in the incoming batch, if appending would cross
// MAX_BUFFER_BYTES, the current buffer is flushed first and only then is
// the new batch appended — so no single input batch is ever split across
// two uploaded files for the same table.
func (m *Manager) Append(ctx context.Context, table string, records []model.Row, meta model.BatchMetadata) error {
	if len(records) == 0 {
		return nil
	}

	var incoming int64
	for _, r := range records {
		incoming += rowSize(r)
	}

	m.mu.Lock()
	buf, ok := m.buffers[table]
	if !ok {
		buf = &tableBuffer{}
		m.buffers[table] = buf
	}

	if buf.hasContent && buf.sizeBytes+incoming > m.cfg.MaxBufferBytes {
		if err := m.flushLocked(ctx, table, buf); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	if !buf.hasContent || meta.FirstVersion < buf.firstVersion {
		buf.firstVersion = meta.FirstVersion
	}
	if !buf.hasContent || meta.LastVersion > buf.lastVersion {
		buf.lastVersion = meta.LastVersion
		buf.lastTimestamp = meta.LastTimestamp
	}
	buf.hasContent = true
	buf.rows = append(buf.rows, records...)
	buf.sizeBytes += incoming

	if m.metrics != nil {
		m.metrics.BufferBytes.WithLabelValues(table).Set(float64(buf.sizeBytes))
	}
	m.mu.Unlock()

	return nil
}

// Poll flushes every non-empty buffer regardless of size, matching the
// periodic-poll flush trigger.
func (m *Manager) Poll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for table, buf := range m.buffers {
		if buf.hasContent {
			if err := m.flushLocked(ctx, table, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup flushes every non-empty buffer, matching the shutdown flush
// trigger. Callers invoke this once before the process exits.
func (m *Manager) Cleanup(ctx context.Context) error {
	return m.Poll(ctx)
}

// RunPoller blocks, calling Poll at the configured interval, until ctx is
// cancelled.
func (m *Manager) RunPoller(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Error().Err(err).Msg("periodic parquet flush failed")
			}
		}
	}
}

// flushLocked uploads the table's current buffer and resets it in place.
// Callers must hold m.mu.
func (m *Manager) flushLocked(ctx context.Context, table string, buf *tableBuffer) error {
	m.counter++
	rows := buf.rows
	firstVersion, lastVersion, lastTimestamp := buf.firstVersion, buf.lastVersion, buf.lastTimestamp

	started := time.Now()
	_, err := m.uploader.Upload(ctx, table, rows, model.BatchMetadata{
		FirstVersion:  firstVersion,
		LastVersion:   lastVersion,
		LastTimestamp: lastTimestamp,
	}, m.counter)
	if err != nil {
		return fmt.Errorf("parquetbuffer: upload failed for table %s: %w", table, err)
	}

	if m.metrics != nil {
		m.metrics.FilesUploaded.WithLabelValues(table).Inc()
		m.metrics.UploadDuration.Observe(time.Since(started).Seconds())
		m.metrics.BufferBytes.WithLabelValues(table).Set(0)
	}

	buf.rows = nil
	buf.sizeBytes = 0
	buf.hasContent = false

	if m.notify != nil {
		ts := lastTimestamp
		if err := m.notify.Process(TrackerEvent{Start: firstVersion, End: lastVersion, LastTimestamp: &ts}); err != nil {
			return fmt.Errorf("parquetbuffer: failed to notify tracker after flush: %w", err)
		}
	}

	return nil
}
