package snapshot

// ============================================================================
// Snapshot Manager Test File
// Purpose: atomic write, load, version validation, backups, concurrency
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type status struct {
	Name    string         `json:"name"`
	Queued  map[string]int `json:"queued"`
	Dropped int64          `json:"dropped"`
}

func newTestManager(t *testing.T) *Manager[status] {
	t.Helper()
	return NewManager[status](filepath.Join(t.TempDir(), "stats.json"))
}

func TestNewManager(t *testing.T) {
	manager := NewManager[status]("stats.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "stats.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := newTestManager(t)
	taken := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return taken }

	original := status{Name: "lobby", Queued: map[string]int{"detect": 3, "align": 1}, Dropped: 7}
	require.NoError(t, manager.Write(original))

	env, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, env.SchemaVer)
	assert.True(t, taken.Equal(env.TakenAt))
	assert.Equal(t, original, env.Data)
}

func TestAtomicWrite(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.Write(status{Name: "first"}))
	require.NoError(t, manager.Write(status{Name: "second"}))

	_, err := os.Stat(manager.GetPath() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a write")

	env, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, "second", env.Data.Name)
}

func TestExists(t *testing.T) {
	manager := newTestManager(t)
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(status{}))
	assert.True(t, manager.Exists())
}

func TestLoadMissing(t *testing.T) {
	_, err := newTestManager(t).Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestVersionMismatch(t *testing.T) {
	manager := newTestManager(t)
	require.NoError(t, os.WriteFile(manager.GetPath(), []byte(`{"schema_version": 99, "data": {}}`), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	manager := newTestManager(t)
	require.NoError(t, os.WriteFile(manager.GetPath(), []byte(`{"schema_version": 1, "data": {`), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager[status](filepath.Join(t.TempDir(), "missing", "stats.json"))
	err := manager.Write(status{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write temp snapshot")
}

func TestWriteWithBackup(t *testing.T) {
	manager := newTestManager(t)
	tick := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.WriteWithBackup(status{Dropped: int64(i)}, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2, "only the newest backups are kept")

	env, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(4), env.Data.Dropped)

	newest := NewManager[status](backups[1])
	prev, err := newest.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(3), prev.Data.Dropped)
}

func TestConcurrentWrites(t *testing.T) {
	manager := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(status{Dropped: int64(i)}))
		}(i)
	}
	wg.Wait()

	env, err := manager.Load()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, env.Data.Dropped, int64(0))
	assert.Less(t, env.Data.Dropped, int64(10))
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager[status](filepath.Join(b.TempDir(), "stats.json"))
	data := status{Name: "bench", Queued: map[string]int{"detect": 10, "track": 4, "extract": 2}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
