// ============================================================================
// Frameflow Frame Source Interface
// ============================================================================
//
// Package: internal/source
// File: source.go
// Purpose: Defines the pull abstraction the pipeline uses to fetch frames.
//
// Motivation:
//   Decoders for network streams, files, USB cameras and directories live
//   outside the scheduler. The pull loop only needs a non-blocking (or
//   short-blocking) TryNext, so any producer can be plugged in:
//
//   - Synthetic: fixed-rate generated frames for demos and benchmarks
//   - Feed: frames pushed programmatically, e.g. by a decoder callback
//
// ============================================================================

package source

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/frameflow/pkg/types"
)

// ErrFeedClosed is returned by Feed.Push after Close.
var ErrFeedClosed = errors.New("source: feed is closed")

// Source produces frames for one stream.
type Source interface {
	// ID is the stable identity of the stream.
	ID() types.SourceID

	// TryNext returns the next frame if one is ready. It must not block
	// for longer than a frame interval.
	TryNext() (*types.Frame, bool)
}

// detectEvery marks every n-th frame (starting with the first) as needing
// full detection.
func detectEvery(n int, frameID uint64) bool {
	if n <= 1 {
		return true
	}
	return frameID%uint64(n) == 0
}

// Synthetic emits frames of a fixed resolution at a fixed rate.
type Synthetic struct {
	id             types.SourceID
	width, height  int
	period         time.Duration
	detectInterval int
	now            func() time.Time

	mu   sync.Mutex
	next uint64
	last time.Time
}

// NewSynthetic creates a generated source running at fps frames per second.
func NewSynthetic(id types.SourceID, width, height int, fps float64, detectInterval int) *Synthetic {
	if fps <= 0 {
		fps = 25
	}
	return &Synthetic{
		id:             id,
		width:          width,
		height:         height,
		period:         time.Duration(float64(time.Second) / fps),
		detectInterval: detectInterval,
		now:            time.Now,
	}
}

func (s *Synthetic) ID() types.SourceID { return s.id }

// TryNext returns a frame once a full period has passed since the last one.
func (s *Synthetic) TryNext() (*types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) < s.period {
		return nil, false
	}
	s.last = now

	id := s.next
	s.next++
	return &types.Frame{
		Source:         s.id,
		ID:             id,
		Timestamp:      now,
		Image:          types.NewHostImage(s.width, s.height, nil),
		NeedsDetection: detectEvery(s.detectInterval, id),
	}, true
}

// Feed is a source backed by a bounded channel. When the channel is full
// the oldest pending frame is discarded so producers never block.
type Feed struct {
	id             types.SourceID
	detectInterval int
	frames         chan *types.Frame
	next           atomic.Uint64
	dropped        atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewFeed creates a programmatic source holding at most capacity frames.
func NewFeed(id types.SourceID, capacity, detectInterval int) *Feed {
	if capacity <= 0 {
		capacity = 1
	}
	return &Feed{
		id:             id,
		detectInterval: detectInterval,
		frames:         make(chan *types.Frame, capacity),
	}
}

func (f *Feed) ID() types.SourceID { return f.id }

// Push queues an image as the next frame of the feed.
func (f *Feed) Push(img types.Image, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}

	id := f.next.Add(1) - 1
	frame := &types.Frame{
		Source:         f.id,
		ID:             id,
		Timestamp:      ts,
		Image:          img,
		NeedsDetection: detectEvery(f.detectInterval, id),
	}
	for {
		select {
		case f.frames <- frame:
			return nil
		default:
		}
		select {
		case <-f.frames:
			f.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many frames were discarded because the feed was full.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

func (f *Feed) TryNext() (*types.Frame, bool) {
	select {
	case frame := <-f.frames:
		return frame, true
	default:
		return nil, false
	}
}

// Close rejects further pushes. Frames already queued can still be read.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
