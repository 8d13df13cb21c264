package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageAccepted(t *testing.T, a *Area) string {
	t.Helper()
	ctx := context.Background()
	b, err := a.Stage(ctx, "", incoming("a"))
	require.NoError(t, err)
	_, err = b.Accept(ctx, b.Entries)
	require.NoError(t, err)
	return b.SessionID()
}

func age(t *testing.T, a *Area, id string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(filepath.Join(a.Root(), id), old, old))
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	a := newTestArea(t)

	oldID := stageAccepted(t, a)
	youngID := stageAccepted(t, a)
	age(t, a, oldID, 2*time.Hour)
	age(t, a, youngID, 30*time.Minute)

	res := a.Sweep(context.Background())

	assert.Equal(t, 1, res.Removed)
	_, err := os.Stat(filepath.Join(a.Root(), oldID))
	assert.True(t, errors.Is(err, os.ErrNotExist), "expired session should be removed")
	_, err = os.Stat(filepath.Join(a.Root(), youngID))
	assert.NoError(t, err, "young session should be untouched")

	_, err = a.List(context.Background(), oldID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = a.List(context.Background(), youngID)
	assert.NoError(t, err)
}

func TestSweep_UntrackedDirectory(t *testing.T) {
	a := newTestArea(t)
	dir := filepath.Join(a.Root(), "0b7e5d1e-4c3a-4f7e-9a55-2f43d8f1b9c0")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0"), []byte("x"), 0o600))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	res := a.Sweep(context.Background())

	assert.Equal(t, 1, res.Removed)
	_, err := os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSweep_SkipsBusySessions(t *testing.T) {
	a := newTestArea(t)
	ctx := context.Background()

	committing := stageAccepted(t, a)
	_, err := a.BeginCommit(committing)
	require.NoError(t, err)

	b, err := a.Stage(ctx, "", incoming("pending"))
	require.NoError(t, err)
	staging := b.SessionID()

	age(t, a, committing, 2*time.Hour)
	age(t, a, staging, 2*time.Hour)

	res := a.Sweep(ctx)

	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, 2, res.Skipped)
	for _, id := range []string{committing, staging} {
		_, err := os.Stat(filepath.Join(a.Root(), id))
		assert.NoError(t, err, "busy session %s removed", id)
	}

	// Commit still finishes after a skipped sweep.
	require.NoError(t, a.FinishCommit(committing))
	b.Reject()
}

func TestSweep_ToleratesConcurrentCommit(t *testing.T) {
	a := newTestArea(t)
	id := stageAccepted(t, a)
	age(t, a, id, 2*time.Hour)

	_, err := a.BeginCommit(id)
	require.NoError(t, err)
	require.NoError(t, a.FinishCommit(id))

	res := a.Sweep(context.Background())
	assert.Equal(t, SweepResult{}, res)
}

func TestJanitor_StartStop(t *testing.T) {
	a := newTestArea(t)
	id := stageAccepted(t, a)
	age(t, a, id, 2*time.Hour)

	j := NewJanitor(a, 10*time.Millisecond, nil)
	j.Start(context.Background())
	j.Start(context.Background())

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(a.Root(), id))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond)

	j.Stop()
	j.Stop()
}

func TestNewJanitor_DefaultInterval(t *testing.T) {
	j := NewJanitor(newTestArea(t), 0, nil)
	assert.Equal(t, DefaultSweepInterval, j.interval)
}
