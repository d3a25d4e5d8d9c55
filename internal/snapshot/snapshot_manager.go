package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize a point-in-time status document as a JSON snapshot file
// 2. Atomic write (temp file + rename) so readers never see a torn file
// 3. Validate the schema version on load
// 4. Optionally keep the most recent N previous snapshots as backups
//
// The run command writes pipeline.Stats here on an interval; the status
// command reads it back to show live queue depths next to the config.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// SchemaVersion of the envelope written by Write
const SchemaVersion = 1

// Envelope wraps the payload with its schema version and write time
type Envelope[T any] struct {
	SchemaVer int       `json:"schema_version"`
	TakenAt   time.Time `json:"taken_at"`
	Data      T         `json:"data"`
}

// Manager reads and writes one snapshot file
type Manager[T any] struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewManager[T any](path string) *Manager[T] {
	return &Manager[T]{
		path: path,
		now:  time.Now,
	}
}

// Write atomically replaces the snapshot with data
func (m *Manager[T]) Write(data T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager[T]) writeLocked(data T) error {
	env := Envelope[T]{SchemaVer: SchemaVersion, TakenAt: m.now(), Data: data}

	jsonBytes, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load returns the last written snapshot.
// A missing file is ErrSnapshotNotFound.
func (m *Manager[T]) Load() (Envelope[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var env Envelope[T]
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return env, ErrSnapshotNotFound
		}
		return env, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != SchemaVersion {
		return env, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	return env, nil
}

func (m *Manager[T]) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager[T]) GetPath() string {
	return m.path
}

// WriteWithBackup moves the current snapshot aside before writing and keeps
// at most keepBackups of the moved copies.
func (m *Manager[T]) WriteWithBackup(data T, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.pruneBackups(keepBackups); err != nil {
			return err
		}
	}
	return m.writeLocked(data)
}

// Backups lists backup files, oldest first
func (m *Manager[T]) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if p != m.path+".tmp" {
			out = append(out, p)
		}
	}
	// the timestamp suffix sorts lexically
	sort.Strings(out)
	return out, nil
}

func (m *Manager[T]) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
