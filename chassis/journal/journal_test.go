package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJournal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Record(ctx, Entry{Dataset: "d", AOI: "a", Attempt: 1, Status: StatusError, FinishedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, m.Record(ctx, Entry{Dataset: "d", AOI: "a", Attempt: 2, Status: StatusSuccess, FinishedAt: now.Add(-47 * time.Hour)}))
	require.NoError(t, m.Record(ctx, Entry{Dataset: "d", AOI: "a", Attempt: 1, Status: StatusSuccess, FinishedAt: now.Add(-time.Hour)}))
	require.NoError(t, m.Record(ctx, Entry{Dataset: "other", AOI: "a", Attempt: 1, Status: StatusSuccess, FinishedAt: now}))

	recent, err := m.Recent(ctx, "d", "a", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, now.Add(-time.Hour), recent[0].FinishedAt)
	assert.Equal(t, 2, recent[1].Attempt)

	removed, err := m.CleanOld(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	recent, err = m.Recent(ctx, "d", "a", 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, StatusError, recent[1].Status)
}
