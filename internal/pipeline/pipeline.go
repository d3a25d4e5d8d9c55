// ============================================================================
// Frameflow Pipeline Orchestrator - Stage Wiring, Lifecycle and Output
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Function: Owns every stage manager of one pipeline in dependency order,
//           pulls frames from the registered sources and buffers results
//
// Architecture:
//   ┌─────────┐  pull loop  ┌────────┐   ┌───────┐   ┌───────┐   ┌──────────┐
//   │ sources │────────────→│ Detect │──→│ Track │──→│ Score │──→│ Keypoint │
//   └─────────┘  (skipped   └────────┘   └───────┘   └───────┘   └────┬─────┘
//                frames go straight to Track)                         ▼
//   ┌────────┐   ┌───────────┐   ┌─────────┐   ┌─────────┐       ┌───────┐
//   │ output │←──│ Extractor │←──│ finish  │←──│ Analyze │←─────→│ Align │
//   └────────┘   └───────────┘   └─────────┘   └─────────┘       └───────┘
//
// Startup:
//   Stages start upstream to downstream; each Manager.Start blocks until all
//   of its workers opened their channels. The first failure stops every
//   stage already started in reverse order and Start returns that error.
//   On success the TTL cache sweeps and the pull loop start.
//
// Shutdown:
//   1. Stop the pull loop, no new frames enter
//   2. Stop stages upstream to downstream
//   3. Stop the cache sweeps
//   4. Stop the extractor if this pipeline owns it
//
// Results:
//   Every candidate reaching the end becomes one Result in a bounded
//   drop-oldest buffer drained with DrainResults or WaitResults.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/frameflow/internal/gpu"
	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/internal/metrics"
	"github.com/ChuLiYu/frameflow/internal/queue"
	"github.com/ChuLiYu/frameflow/internal/source"
	"github.com/ChuLiYu/frameflow/internal/stage"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

var log = slog.Default()

var (
	// ErrPipelineStarted is returned by a second Start
	ErrPipelineStarted = errors.New("pipeline already started")
	// ErrPipelineStopped is returned once the pipeline was stopped or failed to start
	ErrPipelineStopped = errors.New("pipeline is stopped")
	// ErrNotStarted is returned by operations that need running workers
	ErrNotStarted = errors.New("pipeline not started")
	// ErrUnknownSource is returned for a source id that was never added
	ErrUnknownSource = errors.New("unknown source")
	// ErrSourceExists is returned when a source id is added twice
	ErrSourceExists = errors.New("source already registered")
)

// Defaults applied by New.
const (
	DefaultOutputCapacity = 256
	DefaultPullInterval   = 5 * time.Millisecond
)

// Config describes one pipeline.
type Config struct {
	Name string

	// Stages holds per-stage settings; missing stages use stage defaults.
	// The Extract entry is ignored when an extractor is shared.
	Stages map[stage.Kind]stage.Config

	OutputCapacity int           // result buffer size
	PullInterval   time.Duration // pull loop sleep when no source had a frame

	Cache              stage.CacheOptions
	AttributeCacheSize int
	AttributeCacheTTL  time.Duration
}

// Option customizes New.
type Option func(*Orchestrator)

// WithExtractor attaches a shared extractor instead of a private one.
func WithExtractor(x *Extractor) Option {
	return func(o *Orchestrator) {
		o.extractor = x
		o.ownsExtractor = false
	}
}

// WithMetrics records every stage on the given collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAllocator shares a GPU context allocator between pipelines.
func WithAllocator(a *gpu.Allocator) Option {
	return func(o *Orchestrator) { o.alloc = a }
}

type sourceEntry struct {
	src    source.Source
	policy *types.Policy
}

// Orchestrator runs one pipeline.
type Orchestrator struct {
	cfg     Config
	engine  inference.Engine
	alloc   *gpu.Allocator
	metrics *metrics.Collector

	env       *stage.Env
	stages    []*stage.Manager // Detect through Analyze, indexed by Kind
	extractor *Extractor
	output    *queue.Queue[*types.Result]

	resultsDropped atomic.Int64
	ownsExtractor  bool

	mu         sync.Mutex
	sources    map[types.SourceID]*sourceEntry
	order      []types.SourceID
	cancel     context.CancelFunc
	cancelPull context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	stopped    bool
}

// New builds a pipeline; nothing runs until Start.
func New(cfg Config, engine inference.Engine, opts ...Option) *Orchestrator {
	if cfg.OutputCapacity <= 0 {
		cfg.OutputCapacity = DefaultOutputCapacity
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = DefaultPullInterval
	}

	o := &Orchestrator{
		cfg:           cfg,
		engine:        engine,
		output:        queue.New[*types.Result](cfg.OutputCapacity),
		sources:       make(map[types.SourceID]*sourceEntry),
		ownsExtractor: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.alloc == nil {
		o.alloc = gpu.NewAllocator()
	}

	o.env = stage.NewEnv(o, o.metrics, stage.EnvConfig{
		Cache:              cfg.Cache,
		AttributeCacheSize: cfg.AttributeCacheSize,
		AttributeCacheTTL:  cfg.AttributeCacheTTL,
	})
	for _, kind := range stage.Kinds {
		if kind == stage.Extract {
			continue
		}
		o.stages = append(o.stages, stage.NewManager(kind, cfg.Stages[kind], engine, o.alloc, stage.NewProcessor(kind, o.env), o.metrics))
	}
	if o.extractor == nil {
		o.extractor = NewExtractor(cfg.Stages[stage.Extract], engine, o.alloc, o.metrics)
		o.ownsExtractor = true
	}
	return o
}

// Start launches every stage, then the cache sweeps and the pull loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrPipelineStopped
	}
	if o.started {
		return ErrPipelineStarted
	}

	runCtx, cancel := context.WithCancel(ctx)

	var running []func()
	unwind := func(err error) error {
		for i := len(running) - 1; i >= 0; i-- {
			running[i]()
		}
		cancel()
		o.stopped = true
		log.Error("Pipeline failed to start", "pipeline", o.cfg.Name, "error", err)
		return err
	}

	for _, m := range o.stages {
		if err := m.Start(runCtx); err != nil {
			return unwind(fmt.Errorf("start %s stage: %w", m.Kind(), err))
		}
		running = append(running, m.Stop)
	}
	if o.ownsExtractor {
		if err := o.extractor.Start(runCtx); err != nil {
			return unwind(fmt.Errorf("start %s stage: %w", stage.Extract, err))
		}
	}

	o.env.Start()

	pullCtx, cancelPull := context.WithCancel(runCtx)
	o.cancel = cancel
	o.cancelPull = cancelPull
	o.wg.Add(1)
	go o.pullLoop(pullCtx)

	o.started = true
	log.Info("Pipeline started", "pipeline", o.cfg.Name, "sources", len(o.sources))
	return nil
}

// Stop shuts the pipeline down. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.stopped = true
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	o.cancelPull()
	o.wg.Wait()

	for _, m := range o.stages {
		m.Stop()
	}
	o.env.Stop()
	if o.ownsExtractor {
		o.extractor.Stop()
	}
	o.cancel()

	log.Info("Pipeline stopped", "pipeline", o.cfg.Name, "pending_results", o.output.Len())
}

// IsStarted reports whether the pipeline is running.
func (o *Orchestrator) IsStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && !o.stopped
}

// AddSource registers a frame source with its policy and raises the batch
// target of every stage.
func (o *Orchestrator) AddSource(src source.Source, policy types.Policy) error {
	id := src.ID()

	o.mu.Lock()
	if _, ok := o.sources[id]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceExists, id)
	}
	p := policy
	o.sources[id] = &sourceEntry{src: src, policy: &p}
	o.order = append(o.order, id)
	o.mu.Unlock()

	for _, m := range o.stages {
		m.AddSource()
	}
	o.extractor.AddSource()

	log.Info("Source added", "pipeline", o.cfg.Name, "source", id, "batch_size", o.stages[stage.Detect].BatchSize())
	return nil
}

// RemoveSource unregisters a source, lowers the batch targets and drops its
// capture state. Items already queued keep flowing.
func (o *Orchestrator) RemoveSource(id types.SourceID) error {
	o.mu.Lock()
	if _, ok := o.sources[id]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	delete(o.sources, id)
	for i, s := range o.order {
		if s == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	for _, m := range o.stages {
		m.RemoveSource()
	}
	o.extractor.RemoveSource()
	o.env.Forget(id)

	log.Info("Source removed", "pipeline", o.cfg.Name, "source", id)
	return nil
}

// Sources returns the registered source ids in insertion order.
func (o *Orchestrator) Sources() []types.SourceID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.SourceID(nil), o.order...)
}

// Submit admits a frame of a registered source without going through its
// TryNext. The pipeline must be running.
func (o *Orchestrator) Submit(frame *types.Frame) error {
	o.mu.Lock()
	started, stopped := o.started, o.stopped
	e, ok := o.sources[frame.Source]
	o.mu.Unlock()

	if stopped {
		return ErrPipelineStopped
	}
	if !started {
		return ErrNotStarted
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, frame.Source)
	}
	o.admit(frame, e.policy)
	return nil
}

func (o *Orchestrator) snapshot() []*sourceEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*sourceEntry, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.sources[id])
	}
	return out
}

// pullLoop polls every source once per pass and sleeps when all were idle.
func (o *Orchestrator) pullLoop(ctx context.Context) {
	defer o.wg.Done()

	idle := time.NewTimer(o.cfg.PullInterval)
	defer idle.Stop()

	for ctx.Err() == nil {
		pulled := 0
		for _, e := range o.snapshot() {
			if f, ok := e.src.TryNext(); ok {
				o.admit(f, e.policy)
				pulled++
			}
		}
		if pulled > 0 {
			continue
		}

		idle.Reset(o.cfg.PullInterval)
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}

// admit places a new frame: full detection when the frame asks for it,
// straight to the tracker otherwise.
func (o *Orchestrator) admit(frame *types.Frame, policy *types.Policy) {
	item := &types.WorkItem{Frame: frame, Policy: policy}
	switch {
	case frame.NeedsDetection:
		o.stages[stage.Detect].Push(item)
	case policy.Tracking():
		o.stages[stage.Track].Push(item)
	default:
		o.metrics.RecordFiltered(stage.Detect.String(), 1)
	}
}

// Forward implements stage.Router.
func (o *Orchestrator) Forward(to stage.Kind, items ...*types.WorkItem) {
	if len(items) == 0 {
		return
	}
	if to == stage.Extract {
		for _, it := range items {
			it.Origin = o
		}
		o.extractor.Push(items...)
		return
	}
	o.stages[to].Push(items...)
}

// Emit implements types.Emitter: one Result per candidate.
func (o *Orchestrator) Emit(item *types.WorkItem) {
	if len(item.Candidates) == 0 {
		return
	}
	now := time.Now()
	results := make([]*types.Result, len(item.Candidates))
	for i, c := range item.Candidates {
		results[i] = &types.Result{
			ID:        uuid.NewString(),
			Source:    item.Frame.Source,
			FrameID:   item.Frame.ID,
			Timestamp: item.Frame.Timestamp,
			EmittedAt: now,
			Image:     item.Frame.Image,
			Crop:      c.Aligned,
			Candidate: c,
		}
	}
	dropped := o.output.Push(results...)
	o.resultsDropped.Add(int64(dropped))
	o.metrics.RecordResults(len(results), dropped)
	if dropped > 0 {
		log.Debug("Result buffer full, dropped oldest", "pipeline", o.cfg.Name, "dropped", dropped)
	}
}

// DrainResults removes up to max buffered results without waiting. max <= 0
// drains everything.
func (o *Orchestrator) DrainResults(max int) []*types.Result {
	return o.output.Drain(max)
}

// WaitResults blocks until at least one result is buffered, timeout elapses
// or ctx is done, then returns up to max results.
func (o *Orchestrator) WaitResults(ctx context.Context, max int, timeout time.Duration) []*types.Result {
	if max <= 0 {
		max = o.cfg.OutputCapacity
	}
	batch, _ := o.output.FetchBatch(ctx, max, 1, timeout)
	return batch
}

// Stage returns the manager of a stage; Extract is the extractor's.
func (o *Orchestrator) Stage(kind stage.Kind) *stage.Manager {
	if kind == stage.Extract {
		return o.extractor.Manager()
	}
	return o.stages[kind]
}
