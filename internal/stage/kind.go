package stage

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/frameflow/internal/inference"
)

// Kind names one pipeline stage.
type Kind int

const (
	Detect Kind = iota
	Track
	Score
	Keypoint
	Align
	Analyze
	Extract
)

// Kinds lists every stage in dependency order.
var Kinds = []Kind{Detect, Track, Score, Keypoint, Align, Analyze, Extract}

func (k Kind) String() string {
	switch k {
	case Detect:
		return "detect"
	case Track:
		return "track"
	case Score:
		return "score"
	case Keypoint:
		return "keypoint"
	case Align:
		return "align"
	case Analyze:
		return "analyze"
	case Extract:
		return "extract"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

// Capability is what a worker channel of this stage must support.
func (k Kind) Capability() inference.Capability {
	switch k {
	case Detect:
		return inference.CapDetect
	case Track:
		return inference.CapTrack
	case Score:
		return inference.CapScore
	case Keypoint:
		return inference.CapKeypoints
	case Align:
		return inference.CapAlign
	case Analyze:
		return inference.CapAttributes
	case Extract:
		return inference.CapExtract
	default:
		return 0
	}
}

// Config tunes one stage manager.
type Config struct {
	Workers int   // per device, or total on CPU
	Devices []int // empty runs on CPU

	// BatchSize pins the batch size. Zero makes it follow the number of
	// active sources, clamped to [1, MaxBatch].
	BatchSize    int
	MaxBatch     int
	MinReady     int
	Threshold    int // queue capacity, <= 0 unbounded
	FetchTimeout time.Duration

	// OverflowWindow is the minimum spacing of overflow warnings.
	OverflowWindow time.Duration
}

// Default values applied by WithDefaults.
const (
	DefaultWorkers        = 1
	DefaultMaxBatch       = 8
	DefaultMinReady       = 1
	DefaultThreshold      = 30
	DefaultFetchTimeout   = 50 * time.Millisecond
	DefaultOverflowWindow = 5 * time.Second
)

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.BatchSize > c.MaxBatch {
		c.MaxBatch = c.BatchSize
	}
	if c.MinReady <= 0 {
		c.MinReady = DefaultMinReady
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.OverflowWindow <= 0 {
		c.OverflowWindow = DefaultOverflowWindow
	}
	return c
}
