// ============================================================================
// Frameflow Worker Pool - Per-Stage Worker Lifecycle
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Starts a stage's workers one at a time with a synchronous
//           startup handshake, and tears them down with stop flag → join →
//           channel close
//
// Architecture:
//   ┌──────────────┐
//   │ Stage Manager│ --Start()--> Pool
//   └──────────────┘
//                    ┌──────────────────────────────┐
//                    │ Pool                         │
//                    │  Worker 0 (gpu0, ctx0) ←─┐   │
//                    │  Worker 1 (gpu0, ctx1) ←─┼── fetch()
//                    │  Worker 2 (gpu1, ctx0) ←─┘   │
//                    └──────────────────────────────┘
//
// Device assignment:
//   Devices lists the GPUs the stage runs on; WorkersPerDevice workers are
//   created for each. An empty Devices list creates WorkersPerDevice CPU
//   workers.
//
// Startup:
//   Start launches worker i, blocks on its single-slot ready channel, and
//   only then launches worker i+1. The first StartError stops every worker
//   already running and is returned as is, so a misconfigured channel shows
//   up as a synchronous error instead of a silent stall.
//
// Graceful shutdown:
//   Stop() flow:
//   1. Set every worker's stop flag and cancel the pool context
//   2. Workers finish their current batch and leave the loop
//   3. Join each worker, then close its channel
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/frameflow/internal/gpu"
	"github.com/ChuLiYu/frameflow/internal/inference"
)

var (
	// ErrPoolStarted is returned by a second Start
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolStopped is returned by Start after Stop
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// PoolConfig describes the workers of one stage
type PoolConfig struct {
	Stage            string
	Devices          []int
	WorkersPerDevice int
}

// Pool manages the workers of one stage
type Pool struct {
	cfg     PoolConfig
	engine  inference.Engine
	alloc   *gpu.Allocator
	handler Handler
	fetch   FetchFunc

	mu      sync.Mutex
	workers []*Worker
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewPool creates a pool; nothing runs until Start
func NewPool(cfg PoolConfig, engine inference.Engine, alloc *gpu.Allocator, handler Handler, fetch FetchFunc) *Pool {
	if cfg.WorkersPerDevice <= 0 {
		cfg.WorkersPerDevice = 1
	}
	if alloc == nil {
		alloc = gpu.NewAllocator()
	}
	return &Pool{
		cfg:     cfg,
		engine:  engine,
		alloc:   alloc,
		handler: handler,
		fetch:   fetch,
	}
}

// devicePlan returns the device of every worker in start order
func (p *Pool) devicePlan() []int {
	if len(p.cfg.Devices) == 0 {
		plan := make([]int, p.cfg.WorkersPerDevice)
		for i := range plan {
			plan[i] = gpu.CPU
		}
		return plan
	}
	plan := make([]int, 0, len(p.cfg.Devices)*p.cfg.WorkersPerDevice)
	for _, d := range p.cfg.Devices {
		for i := 0; i < p.cfg.WorkersPerDevice; i++ {
			plan = append(plan, d)
		}
	}
	return plan
}

// Start launches the workers one by one, waiting for each handshake
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i, device := range p.devicePlan() {
		w := newWorker(i, p.cfg.Stage, device, p.engine, p.alloc, p.handler, p.fetch)
		ready := make(chan error, 1)
		go w.run(runCtx, ready)

		if err := <-ready; err != nil {
			log.Error("Worker failed to start", "stage", p.cfg.Stage, "worker", i, "device", device, "error", err)
			<-w.done
			p.shutdownLocked()
			p.stopped = true
			return err
		}
		p.workers = append(p.workers, w)
	}

	p.started = true
	log.Info("Worker pool started", "stage", p.cfg.Stage, "workers", len(p.workers))
	return nil
}

// Stop halts every worker and destroys their channels. Safe to call twice.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		p.stopped = true
		return
	}
	p.stopped = true
	p.shutdownLocked()
	log.Info("Worker pool stopped", "stage", p.cfg.Stage)
}

func (p *Pool) shutdownLocked() {
	for _, w := range p.workers {
		w.requestStop()
	}
	if p.cancel != nil {
		p.cancel()
	}
	for _, w := range p.workers {
		w.finish()
	}
}

// GetWorkerCount returns the number of running workers
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Workers returns a snapshot of the pool's workers
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}
