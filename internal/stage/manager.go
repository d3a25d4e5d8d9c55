// ============================================================================
// Frameflow Stage Manager - Queue, Batch Sizing and Worker Pool of a Stage
// ============================================================================
//
// Package: internal/stage
// File: manager.go
// Function: Owns one stage's bounded queue, decides how many items a worker
//           fetches per cycle and starts/stops the stage's worker pool
//
// Data flow:
//   upstream ──Push──→ [ queue ] ──fetch(BatchSize)──→ worker ──Process──→ Router
//
// Batch sizing:
//   A pinned Config.BatchSize is used as is. Otherwise the target follows the
//   number of active sources, so N cameras produce batches of N frames, and
//   is clamped to [1, MaxBatch]. AddSource/RemoveSource move the target and
//   the next fetch cycle picks it up.
//
// Track merge:
//   The Track manager absorbs a detected item of a source whose policy skips
//   detection on most frames: its candidates are attached to the newest
//   un-boxed item of that source already waiting in the queue, instead of
//   enqueueing a second item for an older frame.
//
// ============================================================================

package stage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/frameflow/internal/gpu"
	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/internal/metrics"
	"github.com/ChuLiYu/frameflow/internal/queue"
	"github.com/ChuLiYu/frameflow/internal/worker"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

var log = slog.Default()

// Manager runs one stage.
type Manager struct {
	kind    Kind
	cfg     Config
	queue   *queue.Queue[*types.WorkItem]
	proc    Processor
	pool    *worker.Pool
	metrics *metrics.Collector

	sources  atomic.Int32
	overflow *overflowReporter
}

// NewManager creates a stage manager; workers start with Start.
func NewManager(kind Kind, cfg Config, engine inference.Engine, alloc *gpu.Allocator, proc Processor, m *metrics.Collector) *Manager {
	cfg = cfg.WithDefaults()
	mgr := &Manager{
		kind:     kind,
		cfg:      cfg,
		queue:    queue.New[*types.WorkItem](cfg.Threshold),
		proc:     proc,
		metrics:  m,
		overflow: newOverflowReporter(kind.String(), cfg.Threshold, cfg.OverflowWindow),
	}
	mgr.pool = worker.NewPool(worker.PoolConfig{
		Stage:            kind.String(),
		Devices:          cfg.Devices,
		WorkersPerDevice: cfg.Workers,
	}, engine, alloc, mgr, mgr.fetch)
	m.SetBatchTarget(kind.String(), mgr.BatchSize())
	return mgr
}

// Kind returns the stage this manager runs.
func (m *Manager) Kind() Kind { return m.kind }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Push hands items to the stage. The caller gives up ownership.
func (m *Manager) Push(items ...*types.WorkItem) {
	if m.kind == Track {
		items = m.mergeDetections(items)
	}
	if len(items) == 0 {
		return
	}

	now := time.Now()
	for _, it := range items {
		it.EnqueuedAt = now
	}
	evicted := m.queue.Push(items...)
	m.overflow.report(evicted)
	m.metrics.RecordDropped(m.kind.String(), evicted)
	m.metrics.SetQueueDepth(m.kind.String(), m.queue.Len())
}

// mergeDetections returns the items that still need their own queue slot.
func (m *Manager) mergeDetections(items []*types.WorkItem) []*types.WorkItem {
	kept := make([]*types.WorkItem, 0, len(items))
	for _, it := range items {
		if !it.Boxed || it.Policy == nil || it.Policy.DetectInterval <= 1 {
			kept = append(kept, it)
			continue
		}
		src := it.Frame.Source
		merged := m.queue.UpdateNewest(
			func(p *types.WorkItem) bool { return !p.Boxed && p.Frame.Source == src },
			func(a, b *types.WorkItem) bool { return a.Frame.Timestamp.After(b.Frame.Timestamp) },
			func(p *types.WorkItem) {
				p.Candidates = it.Candidates
				p.Boxed = true
			},
		)
		if !merged {
			kept = append(kept, it)
		}
	}
	return kept
}

// Len returns the number of queued items.
func (m *Manager) Len() int { return m.queue.Len() }

// Dropped returns how many items the queue evicted so far.
func (m *Manager) Dropped() int64 { return m.overflow.Total() }

// AddSource raises the dynamic batch target by one.
func (m *Manager) AddSource() {
	m.sources.Add(1)
	m.metrics.SetBatchTarget(m.kind.String(), m.BatchSize())
}

// RemoveSource lowers the dynamic batch target by one.
func (m *Manager) RemoveSource() {
	for {
		n := m.sources.Load()
		if n <= 0 || m.sources.CompareAndSwap(n, n-1) {
			break
		}
	}
	m.metrics.SetBatchTarget(m.kind.String(), m.BatchSize())
}

// Sources returns the number of active sources.
func (m *Manager) Sources() int { return int(m.sources.Load()) }

// BatchSize is the number of items the next fetch asks for.
func (m *Manager) BatchSize() int {
	if m.cfg.BatchSize > 0 {
		return m.cfg.BatchSize
	}
	n := int(m.sources.Load())
	if n < 1 {
		n = 1
	}
	if n > m.cfg.MaxBatch {
		n = m.cfg.MaxBatch
	}
	return n
}

// fetch is the worker.FetchFunc of this stage.
func (m *Manager) fetch(ctx context.Context) []*types.WorkItem {
	batch, remaining := m.queue.FetchBatch(ctx, m.BatchSize(), m.cfg.MinReady, m.cfg.FetchTimeout)
	if len(batch) > 0 {
		m.metrics.SetQueueDepth(m.kind.String(), remaining)
	}
	return batch
}

// Capabilities implements worker.Handler.
func (m *Manager) Capabilities() inference.Capability { return m.kind.Capability() }

// Process implements worker.Handler. A failed batch is dropped.
func (m *Manager) Process(ch inference.Channel, batch []*types.WorkItem) {
	start := time.Now()
	err := m.proc.Process(ch, batch)
	m.metrics.RecordBatch(m.kind.String(), len(batch), time.Since(start).Seconds())
	if err != nil {
		log.Debug("Batch dropped", "stage", m.kind.String(), "size", len(batch), "code", inference.Code(err), "error", err)
		m.metrics.RecordInferenceFailure(m.kind.String())
	}
}

// Start launches the stage's workers and blocks until every one opened its
// channel, or returns the first *worker.StartError.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.pool.Start(ctx); err != nil {
		return err
	}
	m.metrics.SetWorkersReady(m.kind.String(), m.pool.GetWorkerCount())
	return nil
}

// Stop halts the workers; queued items are discarded with the manager.
func (m *Manager) Stop() {
	m.pool.Stop()
	m.overflow.flush()
	m.metrics.SetWorkersReady(m.kind.String(), 0)
}

// Workers returns the number of running workers.
func (m *Manager) Workers() int { return m.pool.GetWorkerCount() }
