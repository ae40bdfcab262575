package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianlintner/AI-Pipeline/errors"
	"github.com/ianlintner/AI-Pipeline/model"
)

func TestMemoryCreateAndGet(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	created, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Equal(t, StepSubmitted, created.CurrentStep)
	assert.Empty(t, created.Progress)

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "bug-1", got.BugReportID)
}

func TestMemoryGetMissing(t *testing.T) {
	store := NewMemory()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrRequestNotFound)
}

func TestMemoryAppendProgressOrder(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)

	steps := []string{"triage", "ticket_creation", "github_created"}
	for _, step := range steps {
		require.NoError(t, store.AppendProgress(ctx, "req-1", step, map[string]any{"step": step}))
	}

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, got.Progress, 3)
	for i, step := range steps {
		assert.Equal(t, step, got.Progress[i].Step)
	}
	assert.Equal(t, "github_created", got.CurrentStep)
}

func TestMemoryStatusForwardOnly(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, "req-1", model.StatusTriaged, "triage"))
	require.NoError(t, store.SetStatus(ctx, "req-1", model.StatusInProgress, "ticket_creation"))

	// Replays of earlier statuses are silently skipped
	require.NoError(t, store.SetStatus(ctx, "req-1", model.StatusTriaged, "triage"))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, "ticket_creation", got.CurrentStep)
}

func TestMemoryTerminalIsAbsorbing(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "req-1", 1234, "https://github.com/acme/app/issues/1234"))

	// No transition out of a terminal status, including failure
	require.NoError(t, store.SetError(ctx, "req-1", "too late"))
	require.NoError(t, store.SetStatus(ctx, "req-1", model.StatusFailed, ""))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, got.Status)
	assert.Equal(t, 1234, got.GitHubIssueNumber)
	assert.Equal(t, "https://github.com/acme/app/issues/1234", got.GitHubIssueURL)
	assert.Empty(t, got.ErrorMessage)
}

func TestMemorySetError(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)
	require.NoError(t, store.SetError(ctx, "req-1", "classifier unavailable"))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "classifier unavailable", got.ErrorMessage)
}

func TestMemoryMutateMissing(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	assert.ErrorIs(t, store.SetStatus(ctx, "ghost", model.StatusTriaged, ""), errors.ErrRequestNotFound)
	assert.ErrorIs(t, store.AppendProgress(ctx, "ghost", "triage", nil), errors.ErrRequestNotFound)
	assert.ErrorIs(t, store.SetError(ctx, "ghost", "x"), errors.ErrRequestNotFound)
}

func TestMemoryGetReturnsCopies(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)
	require.NoError(t, store.AppendProgress(ctx, "req-1", "triage", nil))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	got.Status = model.StatusFailed
	got.Progress[0].Step = "tampered"

	again, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, again.Status)
	assert.Equal(t, "triage", again.Progress[0].Step)
}

func TestMemoryListAll(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, id, "bug-"+id, "")
		require.NoError(t, err)
	}

	states, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 3)
	assert.Contains(t, states, "b")
}

func TestMemoryDelete(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "req-1"))
	require.NoError(t, store.Delete(ctx, "req-1"))

	_, err = store.Get(ctx, "req-1")
	assert.ErrorIs(t, err, errors.ErrRequestNotFound)
}

func TestMemoryCleanupCompleted(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	now := time.Now()
	store.clock = func() time.Time { return now.Add(-2 * time.Hour) }

	_, err := store.Create(ctx, "old-done", "bug-1", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "old-done", 1, "https://example.com/1"))

	_, err = store.Create(ctx, "old-live", "bug-2", "")
	require.NoError(t, err)

	store.clock = func() time.Time { return now }
	_, err = store.Create(ctx, "fresh-done", "bug-3", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "fresh-done", 2, "https://example.com/2"))

	cleaned, err := store.CleanupCompleted(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	states, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, states, "old-done")
	assert.Contains(t, states, "old-live")
	assert.Contains(t, states, "fresh-done")
}

func TestMemoryFailWrites(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Create(ctx, "req-1", "bug-1", "")
	require.NoError(t, err)

	store.FailWrites = true
	_, err = store.Create(ctx, "req-2", "bug-2", "")
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.IsTransient(store.SetStatus(ctx, "req-1", model.StatusTriaged, "")))
}
