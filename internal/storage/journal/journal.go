package journal

// ============================================================================
// Result Journal
// Responsibilities:
// 1. Append emitted results to an append-only JSON-lines file
// 2. Buffer records and flush on size, age or explicit request
// 3. Replay the file with checksum verification
// 4. Rotate the file (optionally gzip the old one) and restart numbering
//
// File format: one Record per line, written by json.Encoder. A reopened
// journal continues numbering after the last decodable record.
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/frameflow/pkg/types"
)

var log = slog.Default()

// Journal is an append-only result log
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Record
	lastFlushTime time.Time
	dropped       uint64 // records discarded while the file was failing

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open creates or reopens the journal at path and starts its flush loop
func Open(path string, opts Options) (*Journal, error) {
	opts = opts.withDefaults()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := LastRecord(path)
		if last != nil {
			seq = last.Seq
		}
		if err != nil {
			log.Warn("Journal has unreadable records, continuing after the last good one", "path", path, "seq", seq, "error", err)
		}
	}

	j := &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Record, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go j.flushLoop()
	return j, nil
}

// Append journals results in order; results are durable once flushed
func (j *Journal) Append(results ...*types.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	now := time.Now().UnixMilli()
	for _, r := range results {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("journal: marshal result %s: %w", r.ID, err)
		}
		j.seq++
		j.buffer = append(j.buffer, Record{
			Seq:       j.seq,
			Timestamp: now,
			Source:    r.Source,
			Payload:   payload,
			Checksum:  CalculateChecksum(j.seq, payload),
		})
	}

	if j.opts.SyncOnAppend || len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered records and syncs the file
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay flushes, then feeds every record of the file to handler in order.
// It stops at the first corrupted record, checksum mismatch or handler error.
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return scan(j.path, func(rec Record, err error) error {
		if err != nil {
			return err
		}
		if !VerifyChecksum(rec) {
			return &ChecksumError{Seq: rec.Seq, Expected: CalculateChecksum(rec.Seq, rec.Payload), Actual: rec.Checksum}
		}
		return handler(rec)
	})
}

// Rotate moves the current file aside and starts an empty one with
// numbering reset. It returns the path of the rotated file.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		log.Warn("Failed to close journal before rotation", "path", j.path, "error", err)
	}

	rotated := j.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(j.path, rotated); err != nil {
		// keep journaling to the current path with numbering unchanged
		if reopenErr := j.reopenLocked(os.O_CREATE | os.O_RDWR | os.O_APPEND); reopenErr != nil {
			return "", errors.Join(fmt.Errorf("failed to rotate journal: %w", err), reopenErr)
		}
		return "", fmt.Errorf("failed to rotate journal: %w", err)
	}

	if err := j.reopenLocked(os.O_CREATE | os.O_RDWR | os.O_TRUNC | os.O_APPEND); err != nil {
		return "", err
	}
	j.seq = 0
	j.lastFlushTime = time.Now()

	if j.opts.CompressRotated {
		gz := rotated + ".gz"
		if err := compressFile(rotated, gz); err != nil {
			log.Warn("Failed to compress rotated journal", "path", rotated, "error", err)
			return rotated, nil
		}
		os.Remove(rotated)
		rotated = gz
	}
	log.Info("Journal rotated", "path", j.path, "rotated", rotated)
	return rotated, nil
}

// reopenLocked opens j.path as the journal file. On failure the journal is
// closed for good and its buffer discarded.
func (j *Journal) reopenLocked(flag int) error {
	file, err := os.OpenFile(j.path, flag, 0644)
	if err != nil {
		log.Error("Journal file unavailable, closing journal", "path", j.path, "buffered", len(j.buffer), "error", err)
		j.dropped += uint64(len(j.buffer))
		j.buffer = nil
		j.file = nil
		j.closed = true
		close(j.stopCh)
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	return nil
}

// Close stops the flush loop, flushes and closes the file.
// The journal cannot be reused afterwards.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.stopCh)
	j.mu.Unlock()

	<-j.doneCh

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// LastSeq returns the sequence number of the newest record
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) Path() string { return j.path }

// Dropped returns the number of records discarded because they could not
// be written
func (j *Journal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// flushLoop bounds how long a record can sit in the buffer without appends
func (j *Journal) flushLoop() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.mu.Lock()
			if len(j.buffer) > 0 && !j.closed {
				if err := j.flushLocked(); err != nil {
					log.Warn("Journal flush failed", "path", j.path, "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

// flushLocked assumes j.mu is held
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for i, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			// records before i are on disk already
			j.buffer = append(j.buffer[:0], j.buffer[i:]...)
			j.capBufferLocked()
			return fmt.Errorf("journal: write seq=%d: %w", rec.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// capBufferLocked drops the oldest unwritten records beyond
// maxBufferedFactor * BufferSize
func (j *Journal) capBufferLocked() {
	limit := j.opts.BufferSize * maxBufferedFactor
	if over := len(j.buffer) - limit; over > 0 {
		j.buffer = append(j.buffer[:0], j.buffer[over:]...)
		j.dropped += uint64(over)
		log.Warn("Journal buffer full, dropped unwritten records", "path", j.path, "dropped", over)
	}
}

func compressFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}
