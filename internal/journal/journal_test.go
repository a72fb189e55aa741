package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openInMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(ctx, &Record{
			Tool:      fmt.Sprintf("tool-%d", i),
			Server:    "a",
			StartedAt: base.Add(time.Duration(i) * time.Second),
			Duration:  time.Millisecond,
		}))
	}

	records, err := j.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "tool-4", records[0].Tool)
	assert.Equal(t, "tool-3", records[1].Tool)
	assert.Equal(t, "tool-2", records[2].Tool)
	assert.NotEmpty(t, records[0].ID)

	count, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestJournal_AssignsIDAndTime(t *testing.T) {
	j := openInMemory(t)
	r := &Record{Tool: "ping", IsError: true, Error: "boom"}

	require.NoError(t, j.Record(context.Background(), r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.StartedAt.IsZero())

	records, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].IsError)
	assert.Equal(t, "boom", records[0].Error)
}

func TestJournal_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := Open(Options{Path: dir, GCInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, &Record{Tool: "ping", Server: "a"}))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	j, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer j.Close()

	count, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestJournal_CancelledContext(t *testing.T) {
	j := openInMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, j.Record(ctx, &Record{Tool: "ping"}))
}
