package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	written := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, Entry{FileName: "a.mp4", WriteTime: written, Size: 10, Status: StatusFailed, Stage: "finalize", Error: "incomplete", Attempt: 1, CycleID: "1a2b3c4d"}))
	require.NoError(t, l.Record(ctx, Entry{FileName: "a.mp4", WriteTime: written, Size: 10, Status: StatusUploaded, Attempt: 2, CycleID: "5e6f7a8b"}))
	require.NoError(t, l.Record(ctx, Entry{FileName: "b.mp4", WriteTime: written, Size: 20, Status: StatusUploaded, Attempt: 1, CycleID: "5e6f7a8b"}))

	entries, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b.mp4", entries[0].FileName)
	assert.Equal(t, "a.mp4", entries[1].FileName)
	assert.Equal(t, 2, entries[1].Attempt)
	assert.True(t, entries[1].WriteTime.Equal(written))
	assert.False(t, entries[1].RecordedAt.IsZero())

	all, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "finalize", all[2].Stage)
	assert.Equal(t, "incomplete", all[2].Error)
	assert.Equal(t, "1a2b3c4d", all[2].CycleID)
}

func TestReset(t *testing.T) {
	l := openLedger(t)
	ctx := context.Background()
	for _, name := range []string{"a.mp4", "a.mp4", "b.mp4"} {
		require.NoError(t, l.Record(ctx, Entry{FileName: name, Status: StatusUploaded}))
	}

	n, err := l.Reset(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.mp4", entries[0].FileName)

	n, err = l.Reset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), Entry{FileName: "a.mp4", Status: StatusUploaded}))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	entries, err := l.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
