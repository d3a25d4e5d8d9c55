package journal

// ============================================================================
// Journal Utilities
// Responsibility: Offline inspection of journal files
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/frameflow/pkg/types"
)

// scan calls fn for every line of the file. A line that does not decode is
// passed as a *CorruptionError; fn decides whether to continue.
func scan(path string, fn func(rec Record, err error) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	var lastSeq uint64
	for {
		line, readErr := reader.ReadBytes('\n')
		start := offset
		offset += int64(len(line))

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var rec Record
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				if ferr := fn(Record{}, &CorruptionError{Seq: lastSeq, Offset: start, Cause: err}); ferr != nil {
					return ferr
				}
			} else {
				lastSeq = rec.Seq
				if ferr := fn(rec, nil); ferr != nil {
					return ferr
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// LastRecord returns the newest decodable record. With corrupted lines it
// still returns that record together with the first corruption error.
func LastRecord(path string) (*Record, error) {
	var last *Record
	var firstErr error
	err := scan(path, func(rec Record, err error) error {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		r := rec
		last = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil && firstErr == nil {
		return nil, ErrEmptyJournal
	}
	return last, firstErr
}

// Count returns the number of decodable records
func Count(path string) (int, error) {
	n := 0
	err := scan(path, func(rec Record, err error) error {
		if err == nil {
			n++
		}
		return nil
	})
	return n, err
}

// Validate checks every line for JSON validity, checksum and contiguous
// numbering. All problems are reported, joined.
func Validate(path string) error {
	var problems []error
	var expect uint64 = 1
	err := scan(path, func(rec Record, err error) error {
		if err != nil {
			problems = append(problems, err)
			return nil
		}
		if !VerifyChecksum(rec) {
			problems = append(problems, &ChecksumError{Seq: rec.Seq, Expected: CalculateChecksum(rec.Seq, rec.Payload), Actual: rec.Checksum})
		}
		if rec.Seq != expect {
			problems = append(problems, fmt.Errorf("journal: seq gap, expected %d got %d", expect, rec.Seq))
		}
		expect = rec.Seq + 1
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(problems...)
}

// Stats summarizes a journal file
type Stats struct {
	TotalRecords int
	PerSource    map[types.SourceID]int
	FirstSeq     uint64
	LastSeq      uint64
	TimeRange    [2]int64 // Unix milliseconds [oldest, newest]
	Corrupted    int
}

func GetStats(path string) (*Stats, error) {
	st := &Stats{PerSource: make(map[types.SourceID]int)}
	err := scan(path, func(rec Record, err error) error {
		if err != nil || !VerifyChecksum(rec) {
			st.Corrupted++
			return nil
		}
		if st.TotalRecords == 0 {
			st.FirstSeq = rec.Seq
			st.TimeRange[0] = rec.Timestamp
		}
		st.TotalRecords++
		st.PerSource[rec.Source]++
		st.LastSeq = rec.Seq
		if rec.Timestamp < st.TimeRange[0] {
			st.TimeRange[0] = rec.Timestamp
		}
		if rec.Timestamp > st.TimeRange[1] {
			st.TimeRange[1] = rec.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Dump writes one human readable line per record
//
//	[Seq:1] cam-1 frame=42 track=7 confidence=0.91 at 2026-01-01T00:00:00Z (checksum:0x12345678)
func Dump(path string, w io.Writer) error {
	return scan(path, func(rec Record, err error) error {
		if err != nil {
			_, werr := fmt.Fprintf(w, "[CORRUPTED] %v\n", err)
			return werr
		}
		mark := ""
		if !VerifyChecksum(rec) {
			mark = " BAD CHECKSUM"
		}
		res, derr := rec.Result()
		if derr != nil {
			_, werr := fmt.Fprintf(w, "[Seq:%d] %s undecodable payload: %v\n", rec.Seq, rec.Source, derr)
			return werr
		}
		_, werr := fmt.Fprintf(w, "[Seq:%d] %s frame=%d track=%d confidence=%.2f at %s (checksum:0x%08x)%s\n",
			rec.Seq, rec.Source, res.FrameID, res.Candidate.TrackID, res.Candidate.Confidence,
			time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339), rec.Checksum, mark)
		return werr
	})
}
