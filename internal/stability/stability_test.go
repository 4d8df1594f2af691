package stability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleverdata/watchfolder/internal/syncstate"
)

var (
	t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(10 * time.Minute)
	t2 = t1.Add(10 * time.Minute)
)

func settings(settle int) Settings {
	return Settings{PollSeconds: 60, SettleSeconds: settle, MaxAttempts: 3, Extensions: []string{".mp4"}}
}

func TestClassifyNewFileTracksFirst(t *testing.T) {
	records := syncstate.Records{}

	status := Classify(records, "a.mp4", t0, settings(120))

	assert.Equal(t, StatusTracking, status)
	require.Contains(t, records, "a.mp4")
	assert.True(t, records["a.mp4"].CandidateWriteTime.Equal(t0))
	assert.Equal(t, 0, records["a.mp4"].StableSeconds)
	assert.False(t, records["a.mp4"].Synced())
}

func TestClassifyZeroThresholdIsImmediate(t *testing.T) {
	records := syncstate.Records{}

	status := Classify(records, "a.mp4", t0, settings(0))
	require.Equal(t, StatusStable, status)

	up := Queue(records, File{Name: "a.mp4", WriteTime: t0})
	assert.False(t, up.Previous.Synced())
	assert.True(t, records["a.mp4"].LastSyncWriteTime.Equal(t0))
	assert.Equal(t, syncstate.InFlight, records["a.mp4"].StableSeconds)

	assert.Equal(t, StatusInSync, Classify(records, "a.mp4", t0, settings(0)))
}

func TestClassifySettleThenUpload(t *testing.T) {
	s := settings(120)
	records := syncstate.Records{}

	// The file was still being written when first seen.
	require.Equal(t, StatusTracking, Classify(records, "b.mp4", t0, s))
	require.Equal(t, StatusTracking, Classify(records, "b.mp4", t1, s))

	// Its write time stops changing.
	assert.Equal(t, StatusTracking, Classify(records, "b.mp4", t1, s))
	assert.Equal(t, 60, records["b.mp4"].StableSeconds)

	assert.Equal(t, StatusStable, Classify(records, "b.mp4", t1, s))
	Queue(records, File{Name: "b.mp4", WriteTime: t1})

	assert.Equal(t, StatusInSync, Classify(records, "b.mp4", t1, s))
	assert.Equal(t, StatusInSync, Classify(records, "b.mp4", t1, s))
}

func TestClassifyStableExactlyOnce(t *testing.T) {
	s := settings(300)
	records := syncstate.Records{}

	var stable int
	for i := 0; i < 20; i++ {
		if Classify(records, "c.mp4", t0, s) == StatusStable {
			stable++
			Queue(records, File{Name: "c.mp4", WriteTime: t0})
		}
	}
	assert.Equal(t, 1, stable)
}

func TestClassifyWriteTimeChangeRestarts(t *testing.T) {
	s := settings(120)
	records := syncstate.Records{
		"a.mp4": {LastSyncWriteTime: t0, CandidateWriteTime: t1, StableSeconds: 60, AttemptCount: 3},
	}

	assert.Equal(t, StatusTracking, Classify(records, "a.mp4", t2, s))
	rec := records["a.mp4"]
	assert.True(t, rec.CandidateWriteTime.Equal(t2))
	assert.Equal(t, 0, rec.StableSeconds)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.True(t, rec.LastSyncWriteTime.Equal(t0))
}

func TestRollbackAndExhaustion(t *testing.T) {
	s := settings(120)
	records := syncstate.Records{
		"a.mp4": {LastSyncWriteTime: t0, CandidateWriteTime: t1, StableSeconds: 60},
	}

	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		require.Equal(t, StatusStable, Classify(records, "a.mp4", t1, s), "attempt %d", attempt)
		up := Queue(records, File{Name: "a.mp4", WriteTime: t1})
		assert.True(t, records["a.mp4"].LastSyncWriteTime.Equal(t1))

		Rollback(records, up)
		assert.True(t, records["a.mp4"].LastSyncWriteTime.Equal(t0), "rolled back to previous sync time")
		assert.Equal(t, attempt, records["a.mp4"].AttemptCount)
	}

	assert.Equal(t, StatusExhausted, Classify(records, "a.mp4", t1, s))
	before := *records["a.mp4"]
	assert.Equal(t, StatusExhausted, Classify(records, "a.mp4", t1, s))
	assert.Equal(t, before, *records["a.mp4"], "exhausted files are not mutated")

	// A new version gets a fresh budget.
	assert.Equal(t, StatusTracking, Classify(records, "a.mp4", t2, s))
	assert.Equal(t, 0, records["a.mp4"].AttemptCount)
}

func TestRollbackOfFirstUpload(t *testing.T) {
	records := syncstate.Records{}
	require.Equal(t, StatusStable, Classify(records, "a.mp4", t0, settings(0)))
	up := Queue(records, File{Name: "a.mp4", WriteTime: t0})

	Rollback(records, up)

	rec := records["a.mp4"]
	assert.False(t, rec.Synced())
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, StatusStable, Classify(records, "a.mp4", t0, settings(0)))
}

func TestRestoreDoesNotCountAttempt(t *testing.T) {
	records := syncstate.Records{"a.mp4": {LastSyncWriteTime: t0, CandidateWriteTime: t1, StableSeconds: 120, AttemptCount: 1}}
	before := *records["a.mp4"]
	up := Queue(records, File{Name: "a.mp4", WriteTime: t1})

	Restore(records, up)

	assert.Equal(t, before, *records["a.mp4"])
}

func TestQueueClearsFailureCount(t *testing.T) {
	records := syncstate.Records{"a.mp4": {LastSyncWriteTime: t0, CandidateWriteTime: t1, StableSeconds: 120, AttemptCount: 2}}
	up := Queue(records, File{Name: "a.mp4", WriteTime: t1})

	assert.Equal(t, 2, up.Previous.AttemptCount)
	assert.Equal(t, 0, records["a.mp4"].AttemptCount)
	assert.True(t, records["a.mp4"].Synced())

	Rollback(records, up)
	assert.Equal(t, 3, records["a.mp4"].AttemptCount)
}

func writeFile(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestDetectFiltersAndQueues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ready.MP4", t0)
	writeFile(t, dir, "notes.txt", t0)
	writeFile(t, dir, ".hidden.mp4", t0)
	writeFile(t, dir, "semi;colon.mp4", t0)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.mp4"), 0755))

	d := New(dir, settings(0))
	records := syncstate.Records{}

	pass, err := d.Detect(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, map[string]Status{".hidden.mp4": StatusStable, "ready.MP4": StatusStable}, pass.Statuses)
	require.Len(t, pass.Queued, 2)
	assert.Equal(t, ".hidden.mp4", pass.Queued[0].Name, "dot files are not special")
	ready := pass.Queued[1]
	assert.Equal(t, "ready.MP4", ready.Name)
	assert.Equal(t, filepath.Join(dir, "ready.MP4"), ready.Path)
	assert.True(t, ready.WriteTime.Equal(t0))
	assert.Equal(t, int64(len("content of ready.MP4")), ready.Size)

	require.Len(t, pass.Skipped, 1)
	assert.ErrorIs(t, pass.Skipped[0].Reason, ErrUnsupportedName)

	for _, name := range []string{"ready.MP4", "notes.txt", ".hidden.mp4", "folder.mp4"} {
		assert.True(t, pass.Present[name], name)
	}
	assert.NotContains(t, records, "notes.txt")
}

func TestDetectSkipsLockedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "busy.mp4", t0)

	probeErr := &FileAccessError{Path: path, Err: ErrLocked}
	d := New(dir, settings(0)).WithProber(func(string) error { return probeErr })
	records := syncstate.Records{}

	pass, err := d.Detect(context.Background(), records)
	require.NoError(t, err)

	assert.Empty(t, pass.Statuses)
	assert.Empty(t, pass.Queued)
	require.Len(t, pass.Skipped, 1)
	assert.Equal(t, "busy.mp4", pass.Skipped[0].Name)
	assert.Empty(t, records, "probe failures leave state untouched")
}

func TestDetectMissingDirectory(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "nope"), settings(0))
	_, err := d.Detect(context.Background(), syncstate.Records{})
	require.Error(t, err)
}

func TestDetectHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mp4", t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(dir, settings(0)).Detect(ctx, syncstate.Records{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbeExclusive(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.mp4", t0)

	require.NoError(t, ProbeExclusive(path))

	holder := flock.New(path)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Unlock()

	err = ProbeExclusive(path)
	var accessErr *FileAccessError
	require.True(t, errors.As(err, &accessErr), "want FileAccessError, got %v", err)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestProbeMissingFile(t *testing.T) {
	err := ProbeExclusive(filepath.Join(t.TempDir(), "gone.mp4"))
	var accessErr *FileAccessError
	assert.True(t, errors.As(err, &accessErr))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "TRACKING", StatusTracking.String())
	assert.Equal(t, "STABLE", StatusStable.String())
	assert.Equal(t, "IN_SYNC", StatusInSync.String())
	assert.Equal(t, "EXHAUSTED", StatusExhausted.String())
}
