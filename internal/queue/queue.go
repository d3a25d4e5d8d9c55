// ============================================================================
// Frameflow Bounded Work Queue - Batch Hand-off Between Stages
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Function: Thread-safe FIFO with a capacity threshold, drop-oldest overflow
//           and a timed batch fetch shared by every pipeline stage
//
// How it works:
//   Push appends at the back under the lock and then trims from the front
//   until the live count is back at the threshold. The number of evicted
//   items is returned so the caller can aggregate overflow warnings.
//
//   FetchBatch waits until at least minReady items are queued, the timeout
//   elapses or the context is cancelled, then removes up to maxBatch items
//   from the front. A partial batch is normal under light load and an empty
//   batch after the timeout means "no work", not an error.
//
// Wake-up:
//   sync.Cond cannot wait with a deadline, so waiters block on a channel
//   that Push closes and replaces. Every waiter re-checks the count under
//   the lock after waking.
//
//   ┌────────┐ Push ┌──────────────────────┐ FetchBatch ┌────────┐
//   │producer│─────→│ deque (front=oldest) │───────────→│ worker │
//   └────────┘      └──────────────────────┘            └────────┘
//                     count > threshold → PopFront
//
// ============================================================================

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Queue is a bounded FIFO of T. The zero value is not usable; call New.
type Queue[T any] struct {
	mu        sync.Mutex
	items     deque.Deque[T]
	count     int
	threshold int           // <= 0 means unbounded
	wake      chan struct{} // closed on every push
}

// New creates a queue that keeps at most threshold items.
func New[T any](threshold int) *Queue[T] {
	return &Queue[T]{
		threshold: threshold,
		wake:      make(chan struct{}),
	}
}

// Push appends items and evicts from the front while the count exceeds the
// threshold. It returns how many items were evicted.
func (q *Queue[T]) Push(items ...T) int {
	if len(items) == 0 {
		return 0
	}

	q.mu.Lock()
	for _, it := range items {
		q.items.PushBack(it)
	}
	q.count += len(items)

	evicted := 0
	if q.threshold > 0 {
		for q.count > q.threshold {
			q.items.PopFront()
			q.count--
			evicted++
		}
	}

	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	return evicted
}

// FetchBatch blocks until at least minReady items are available, timeout
// elapses or ctx is done, then removes and returns up to maxBatch items
// together with the number left in the queue. A done ctx takes nothing:
// the items stay queued for whoever drains the queue next.
//
// minReady is clamped to [1, maxBatch].
func (q *Queue[T]) FetchBatch(ctx context.Context, maxBatch, minReady int, timeout time.Duration) ([]T, int) {
	if maxBatch < 1 {
		maxBatch = 1
	}
	if minReady < 1 {
		minReady = 1
	}
	if minReady > maxBatch {
		minReady = maxBatch
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	q.mu.Lock()
	for q.count < minReady && ctx.Err() == nil {
		wake := q.wake
		q.mu.Unlock()

		expired := false
		select {
		case <-wake:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
		}

		q.mu.Lock()
		if expired {
			break
		}
	}
	if ctx.Err() != nil {
		remaining := q.count
		q.mu.Unlock()
		return nil, remaining
	}
	batch := q.takeLocked(maxBatch)
	remaining := q.count
	q.mu.Unlock()

	return batch, remaining
}

// Drain removes up to max items without waiting. max <= 0 drains everything.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = q.count
	}
	return q.takeLocked(max)
}

func (q *Queue[T]) takeLocked(max int) []T {
	n := q.count
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	batch := make([]T, n)
	for i := range batch {
		batch[i] = q.items.PopFront()
	}
	q.count -= n
	return batch
}

// UpdateNewest finds the queued item accepted by match that is newest
// according to newer, and calls update on it while the lock is held.
// It reports whether an item was updated. The scan is linear in the queue
// length, which the threshold bounds.
func (q *Queue[T]) UpdateNewest(match func(T) bool, newer func(a, b T) bool, update func(T)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i := 0; i < q.items.Len(); i++ {
		it := q.items.At(i)
		if !match(it) {
			continue
		}
		if best < 0 || newer(it, q.items.At(best)) {
			best = i
		}
	}
	if best < 0 {
		return false
	}
	update(q.items.At(best))
	return true
}

// Len returns the live count.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Threshold returns the capacity threshold.
func (q *Queue[T]) Threshold() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.threshold
}
