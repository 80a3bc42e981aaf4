package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateStore(t *testing.T) *StateStore {
	t.Helper()

	db, _ := newTestDB(t)
	store, err := NewStateStore(context.Background(), db)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	return store
}

func TestStateStore_SaveState(t *testing.T) {
	t.Parallel()

	t.Run("generating then generated sets created", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := newTestStateStore(t)

		require.NoError(t, store.SaveState(ctx, "people.csv", SourceTable, "people", StateGenerating))
		rec, err := store.State(ctx, "people.csv")
		require.NoError(t, err)
		assert.Equal(t, StateGenerating, rec.State)
		assert.True(t, rec.Created.IsZero())

		require.NoError(t, store.SaveState(ctx, "people.csv", SourceTable, "people", StateGenerated))
		rec, err = store.State(ctx, "people.csv")
		require.NoError(t, err)
		assert.Equal(t, StateRecord{
			Filename:   "people.csv",
			State:      StateGenerated,
			SourceType: SourceTable,
			SourceID:   "people",
			Created:    time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		}, rec)
	})

	t.Run("failed keeps the previous creation time", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := newTestStateStore(t)

		require.NoError(t, store.SaveState(ctx, "grid.csv", SourceGrid, "grid", StateGenerated))
		require.NoError(t, store.SaveState(ctx, "grid.csv", SourceGrid, "grid", StateFailed))

		rec, err := store.State(ctx, "grid.csv")
		require.NoError(t, err)
		assert.Equal(t, StateFailed, rec.State)
		assert.False(t, rec.Created.IsZero())
	})

	t.Run("workbook has no source", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := newTestStateStore(t)

		require.NoError(t, store.SaveState(ctx, "all_tables.xlsx", SourceNone, "", StateGenerating))
		rec, err := store.State(ctx, "all_tables.xlsx")
		require.NoError(t, err)
		assert.Equal(t, SourceNone, rec.SourceType)
		assert.Empty(t, rec.SourceID)
	})
}

func TestStateStore_StateNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStateStore(t)
	_, err := store.State(context.Background(), "missing.csv")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestStateStore_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStateStore(t)
	require.NoError(t, store.SaveState(ctx, "people.csv", SourceTable, "people", StateGenerated))

	err := store.Reset(ctx, []StateRecord{
		{Filename: "all_tables.xlsx"},
		{Filename: "people.csv", SourceType: SourceTable, SourceID: "people"},
		{Filename: "budget.csv", SourceType: SourceGrid, SourceID: "Budget"},
	})
	require.NoError(t, err)

	records, err := store.States(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, StateWaiting, rec.State, rec.Filename)
	}
	assert.Equal(t, "all_tables.xlsx", records[0].Filename)
	assert.Equal(t, SourceGrid, records[1].SourceType)
	assert.False(t, records[2].Created.IsZero(), "reset keeps the creation time")
}

func TestStateStore_RecordError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStateStore(t)

	require.NoError(t, store.RecordError(ctx, "first"))
	require.NoError(t, store.RecordError(ctx, "second"))

	messages, err := store.Errors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, messages)
}

func TestNewStateStore_Idempotent(t *testing.T) {
	t.Parallel()

	db, _ := newTestDB(t)
	_, err := NewStateStore(context.Background(), db)
	require.NoError(t, err)
	_, err = NewStateStore(context.Background(), db)
	assert.NoError(t, err)
}
