package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/frameflow/pkg/types"
)

func result(src string, frame uint64) *types.Result {
	return &types.Result{
		ID:        fmt.Sprintf("%s-%d", src, frame),
		Source:    types.SourceID(src),
		FrameID:   frame,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Candidate: types.Candidate{TrackID: int64(frame % 3), Confidence: 0.75, Feature: []byte{1, 2, 3}},
	}
}

func openTest(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "results.journal"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndReplay(t *testing.T) {
	j := openTest(t, Options{})

	require.NoError(t, j.Append(result("cam", 1), result("cam", 2)))
	require.NoError(t, j.Append(result("door", 7)))
	assert.Equal(t, uint64(3), j.LastSeq())

	var seen []*types.Result
	require.NoError(t, j.Replay(func(rec Record) error {
		res, err := rec.Result()
		require.NoError(t, err)
		assert.Equal(t, res.Source, rec.Source)
		seen = append(seen, res)
		return nil
	}))

	require.Len(t, seen, 3)
	assert.Equal(t, "cam-1", seen[0].ID)
	assert.Equal(t, uint64(7), seen[2].FrameID)
	assert.Equal(t, []byte{1, 2, 3}, seen[2].Candidate.Feature)
}

func TestBufferedUntilFlush(t *testing.T) {
	j := openTest(t, Options{BufferSize: 10, FlushInterval: time.Hour})

	require.NoError(t, j.Append(result("cam", 1)))
	n, err := Count(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "record should still be buffered")

	require.NoError(t, j.Flush())
	n, err = Count(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncOnAppend(t *testing.T) {
	j := openTest(t, Options{SyncOnAppend: true, FlushInterval: time.Hour})

	require.NoError(t, j.Append(result("cam", 1)))
	n, err := Count(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlushLoop(t *testing.T) {
	j := openTest(t, Options{BufferSize: 100, FlushInterval: 20 * time.Millisecond})

	require.NoError(t, j.Append(result("cam", 1)))
	assert.Eventually(t, func() bool {
		n, err := Count(j.Path())
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReopenContinuesNumbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.journal")

	j, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, j.Append(result("cam", 1), result("cam", 2)))
	require.NoError(t, j.Close())

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(2), j.LastSeq())

	require.NoError(t, j.Append(result("cam", 3)))
	require.NoError(t, j.Flush())
	assert.NoError(t, Validate(path))
}

func TestClosedJournal(t *testing.T) {
	j := openTest(t, Options{})
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Append(result("cam", 1)), ErrJournalClosed)
	assert.ErrorIs(t, j.Flush(), ErrJournalClosed)
	_, err := j.Rotate()
	assert.ErrorIs(t, err, ErrJournalClosed)
}

func TestReplayDetectsTampering(t *testing.T) {
	j := openTest(t, Options{SyncOnAppend: true})
	require.NoError(t, j.Append(result("cam", 1), result("cam", 2)))

	data, err := os.ReadFile(j.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"frame_id":2`, `"frame_id":9`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(j.Path(), []byte(tampered), 0644))

	replayed := 0
	err = j.Replay(func(rec Record) error {
		replayed++
		return nil
	})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(2), ce.Seq)
	assert.Equal(t, 1, replayed)
}

func TestCorruptedLine(t *testing.T) {
	j := openTest(t, Options{SyncOnAppend: true})
	require.NoError(t, j.Append(result("cam", 1)))

	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	last, err := LastRecord(j.Path())
	require.NotNil(t, last)
	assert.Equal(t, uint64(1), last.Seq)
	assert.ErrorIs(t, err, ErrCorruptedJournal)

	st, err := GetStats(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRecords)
	assert.Equal(t, 1, st.Corrupted)

	err = Validate(j.Path())
	var corr *CorruptionError
	require.True(t, errors.As(err, &corr))
	assert.Equal(t, uint64(1), corr.Seq)
	assert.Greater(t, corr.Offset, int64(0))
}

func TestLastRecordEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.journal")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := LastRecord(path)
	assert.ErrorIs(t, err, ErrEmptyJournal)
}

func TestValidateSeqGap(t *testing.T) {
	j := openTest(t, Options{SyncOnAppend: true})
	require.NoError(t, j.Append(result("cam", 1), result("cam", 2), result("cam", 3)))

	lines := strings.SplitAfter(string(mustRead(t, j.Path())), "\n")
	require.NoError(t, os.WriteFile(j.Path(), []byte(lines[0]+lines[2]), 0644))

	err := Validate(j.Path())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 got 3")
}

func TestRotate(t *testing.T) {
	j := openTest(t, Options{CompressRotated: true})
	require.NoError(t, j.Append(result("cam", 1), result("cam", 2)))

	rotated, err := j.Rotate()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rotated, ".gz"))
	assert.FileExists(t, rotated)
	assert.Equal(t, uint64(0), j.LastSeq())

	n, err := Count(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, j.Append(result("cam", 3)))
	require.NoError(t, j.Flush())
	last, err := LastRecord(j.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
}

// TestRotateRenameFailureKeepsJournaling: the file vanished underneath the
// journal, Rotate fails but appends keep landing on disk
func TestRotateRenameFailureKeepsJournaling(t *testing.T) {
	j := openTest(t, Options{SyncOnAppend: true})
	require.NoError(t, j.Append(result("cam", 1), result("cam", 2)))
	require.NoError(t, os.Remove(j.Path()))

	_, err := j.Rotate()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	for i := uint64(3); i <= 5; i++ {
		require.NoError(t, j.Append(result("cam", i)))
	}
	assert.Equal(t, uint64(5), j.LastSeq())

	n, err := Count(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(0), j.Dropped())
}

// TestRotateReopenFailureClosesJournal: with the directory gone the journal
// cannot reopen its file and refuses further appends
func TestRotateReopenFailureClosesJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	require.NoError(t, os.Mkdir(dir, 0755))
	j, err := Open(filepath.Join(dir, "results.journal"), Options{})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	_, err = j.Rotate()
	require.Error(t, err)

	assert.ErrorIs(t, j.Append(result("cam", 1)), ErrJournalClosed)
	assert.NoError(t, j.Close())
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.writes <= 0 {
		return 0, errors.New("disk full")
	}
	w.writes--
	return len(p), nil
}

// TestFlushFailureKeepsOnlyUnwritten: records written before the failure are
// not written a second time
func TestFlushFailureKeepsOnlyUnwritten(t *testing.T) {
	j := openTest(t, Options{BufferSize: 100})
	require.NoError(t, j.Append(result("cam", 1), result("cam", 2), result("cam", 3), result("cam", 4)))

	j.mu.Lock()
	j.encoder = json.NewEncoder(&failingWriter{writes: 2})
	err := j.flushLocked()
	var seqs []uint64
	for _, rec := range j.buffer {
		seqs = append(seqs, rec.Seq)
	}
	j.encoder = json.NewEncoder(j.file)
	j.mu.Unlock()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq=3")
	assert.Equal(t, []uint64{3, 4}, seqs)
}

func TestFlushFailureCapsBuffer(t *testing.T) {
	j := openTest(t, Options{BufferSize: 2})
	j.mu.Lock()
	j.encoder = json.NewEncoder(&failingWriter{})
	j.mu.Unlock()

	for i := uint64(1); i <= 10; i++ {
		j.Append(result("cam", i))
	}

	j.mu.Lock()
	buffered := len(j.buffer)
	oldest := j.buffer[0].Seq
	j.buffer = nil
	j.mu.Unlock()

	assert.Equal(t, 2*maxBufferedFactor, buffered)
	assert.Equal(t, uint64(3), oldest)
	assert.Equal(t, uint64(2), j.Dropped())
}

func TestStatsAndDump(t *testing.T) {
	j := openTest(t, Options{SyncOnAppend: true})
	require.NoError(t, j.Append(result("cam", 1), result("cam", 2), result("door", 4)))

	st, err := GetStats(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalRecords)
	assert.Equal(t, 2, st.PerSource["cam"])
	assert.Equal(t, uint64(1), st.FirstSeq)
	assert.Equal(t, uint64(3), st.LastSeq)
	assert.LessOrEqual(t, st.TimeRange[0], st.TimeRange[1])

	var out bytes.Buffer
	require.NoError(t, Dump(j.Path(), &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "[Seq:3] door frame=4 track=1 confidence=0.75")
}

func TestChecksum(t *testing.T) {
	a := CalculateChecksum(1, []byte(`{"id":"x"}`))
	assert.Equal(t, a, CalculateChecksum(1, []byte(`{"id":"x"}`)))
	assert.NotEqual(t, a, CalculateChecksum(2, []byte(`{"id":"x"}`)))
	assert.NotEqual(t, a, CalculateChecksum(1, []byte(`{"id":"y"}`)))
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
