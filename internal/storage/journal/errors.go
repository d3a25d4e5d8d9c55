package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a line that is not valid JSON
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrEmptyJournal is returned by LastRecord on an empty file
	ErrEmptyJournal = errors.New("journal: file is empty")

	// ErrJournalClosed is returned by operations after Close
	ErrJournalClosed = errors.New("journal: already closed")

	// ErrSyncFailed indicates fsync failed
	ErrSyncFailed = errors.New("journal: sync to disk failed")
)

// ChecksumError carries the details of a checksum mismatch
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError reports an undecodable line
type CorruptionError struct {
	Seq    uint64 // last good sequence number before the corruption
	Offset int64  // byte offset of the bad line
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedJournal }
