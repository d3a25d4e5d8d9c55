// ============================================================================
// Frameflow Worker - Stage Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine locked to its OS thread, bound to a GPU context and
//           owning exactly one inference channel
//
// Lifecycle:
//   Created → Starting → Ready → Working → Stopping → Stopped
//
//   Starting: lock the OS thread, take a context index from the allocator
//             (GPU workers only), open the channel with the stage's
//             capability flags
//   Ready:    report success or the StartError on the single-slot ready
//             channel; the pool blocks on it before starting the next worker
//   Working:  fetch batch → handler.Process → repeat until the stop flag is
//             set or the pool context is cancelled
//   Stopping: leave the loop; the in-flight batch always completes, a batch
//             fetched after the stop request is not processed
//   Stopped:  set by the pool after join, once the channel is closed
//
// Execution Model:
//   ┌───────────────────────────────────────┐
//   │  Worker Goroutine (LockOSThread)      │
//   │  ┌────────────────────────────────┐   │
//   │  │ for !stopping                  │   │
//   │  │   ├─ batch := fetch(ctx)       │   │
//   │  │   └─ handler.Process(ch, batch)│   │
//   │  └────────────────────────────────┘   │
//   └───────────────────────────────────────┘
//
// The fetch timeout bounds how long a stop request can go unnoticed.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/ChuLiYu/frameflow/internal/gpu"
	"github.com/ChuLiYu/frameflow/internal/inference"
)

var log = slog.Default()

// Worker represents a work execution unit
type Worker struct {
	id      int // index within the pool, used for logging
	stage   string
	device  int // gpu.CPU for host-only workers
	context int

	engine  inference.Engine
	alloc   *gpu.Allocator
	handler Handler
	fetch   FetchFunc

	state    atomic.Int32
	stopping atomic.Bool
	channel  inference.Channel
	batches  atomic.Uint64
	done     chan struct{}
}

func newWorker(id int, stage string, device int, engine inference.Engine, alloc *gpu.Allocator, handler Handler, fetch FetchFunc) *Worker {
	return &Worker{
		id:      id,
		stage:   stage,
		device:  device,
		context: -1,
		engine:  engine,
		alloc:   alloc,
		handler: handler,
		fetch:   fetch,
		done:    make(chan struct{}),
	}
}

// ID returns the worker index within its pool
func (w *Worker) ID() int { return w.id }

// Device returns the bound GPU, or gpu.CPU
func (w *Worker) Device() int { return w.device }

// Context returns the allocated context index, -1 before start or on CPU
func (w *Worker) Context() int { return w.context }

// State returns the current lifecycle state
func (w *Worker) State() State { return State(w.state.Load()) }

// Batches returns the number of batches processed
func (w *Worker) Batches() uint64 { return w.batches.Load() }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// run is the goroutine body. ready receives exactly one value.
func (w *Worker) run(ctx context.Context, ready chan<- error) {
	defer close(w.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.setState(StateStarting)
	if w.device != gpu.CPU {
		w.context = w.alloc.Next(w.device)
	}

	ch, err := w.engine.Open(ctx, inference.OpenOptions{
		Stage:   w.stage,
		Device:  w.device,
		Context: w.context,
		Caps:    w.handler.Capabilities(),
	})
	if err != nil {
		w.setState(StateStopped)
		ready <- &StartError{Stage: w.stage, Worker: w.id, Device: w.device, Context: w.context, Err: err}
		return
	}
	w.channel = ch
	w.setState(StateReady)
	ready <- nil

	log.Debug("Worker started", "stage", w.stage, "worker", w.id, "device", w.device, "context", w.context)

	w.setState(StateWorking)
	for !w.stopping.Load() && ctx.Err() == nil {
		batch := w.fetch(ctx)
		if len(batch) == 0 || w.stopping.Load() {
			continue
		}
		w.handler.Process(ch, batch)
		w.batches.Add(1)
	}
	w.setState(StateStopping)
}

// requestStop flips the stop flag; the loop exits after the current batch
func (w *Worker) requestStop() {
	w.stopping.Store(true)
}

// finish waits for the goroutine to exit, then destroys the channel
func (w *Worker) finish() {
	<-w.done
	if w.channel != nil {
		if err := w.channel.Close(); err != nil {
			log.Warn("Failed to close channel", "stage", w.stage, "worker", w.id, "error", err)
		}
		w.channel = nil
	}
	w.setState(StateStopped)
}
