package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
)

// runStoreContract checks the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	second := &Job{ID: "b", Table: events, Status: StatusPending, CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)}
	first := &Job{
		ID:        "a",
		Table:     events,
		Status:    StatusCompleted,
		Progress:  1,
		CreatedAt: base,
		UpdatedAt: base,
		Result: &enricher.MetadataDocument{
			Table:            events,
			SectionsIncluded: []enricher.Section{enricher.SectionColumnDefinitions},
			Sections: map[enricher.Section]any{
				enricher.SectionColumnDefinitions: &enricher.ColumnDefinitions{TableDescription: "Click events"},
			},
		},
	}
	require.NoError(t, store.Put(ctx, second))
	require.NoError(t, store.Put(ctx, first))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, base.Equal(got.CreatedAt))
	require.NotNil(t, got.Result)
	assert.Equal(t, events, got.Result.Table)
	defs, ok := got.Result.Sections[enricher.SectionColumnDefinitions].(*enricher.ColumnDefinitions)
	require.True(t, ok, "section payloads keep their concrete type")
	assert.Equal(t, "Click events", defs.TableDescription)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)

	second.Status = StatusFailed
	second.Error = &ErrorRecord{Category: apperrors.CategoryLLM, Message: "timeout"}
	require.NoError(t, store.Put(ctx, second))
	got, err = store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, apperrors.CategoryLLM, got.Error.Category)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	require.NoError(t, store.Delete(ctx, "a"), "deleting twice is not an error")

	all, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job := &Job{ID: "a", Status: StatusPending}
	require.NoError(t, store.Put(ctx, job))

	job.Status = StatusRunning
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "mutating the caller's job must not leak into the store")

	got.Status = StatusFailed
	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}
