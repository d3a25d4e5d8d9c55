package journal

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/frameflow/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: On-disk record layout of the result journal
// ============================================================================

// Record is one journal line. Payload is the compact JSON of a types.Result
// and Checksum covers Seq and Payload.
type Record struct {
	Seq       uint64          `json:"seq"`       // monotonically increasing within a file
	Timestamp int64           `json:"timestamp"` // Unix millisecond append time
	Source    types.SourceID  `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  uint32          `json:"checksum"` // CRC32-IEEE
}

// Result decodes the payload
func (r Record) Result() (*types.Result, error) {
	var res types.Result
	if err := json.Unmarshal(r.Payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Handler processes one record during Replay; an error stops the replay
type Handler func(rec Record) error

// Options tune buffering and durability
type Options struct {
	SyncOnAppend    bool          // fsync after every Append
	BufferSize      int           // records held before a flush, default 256
	FlushInterval   time.Duration // maximum age of a buffered record, default 1s
	CompressRotated bool          // gzip the file moved aside by Rotate
}

const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = time.Second

	// unwritten records kept, as a multiple of BufferSize, while writes fail
	maxBufferedFactor = 4
)

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	return o
}
