package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccui-dev/ccui/internal/models"
)

func TestReconcilerAdvancesLostHooks(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.create(t, "Build it", "do X")
	handed, err := f.lifecycle.Handover(ctx, "web", task.ID)
	require.NoError(t, err)
	sid := handed.SessionID

	r := NewReconciler(f.sessions.registry, f.lifecycle, time.Second, 15*time.Second)
	now := time.Now()
	r.now = func() time.Time { return now }

	assert.Equal(t, 0, r.ReconcileOnce(ctx), "still running")

	f.sessions.spawner.Last().Exit(0)
	s, err := f.sessions.registry.Get(sid)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Info().Exited }, time.Second, 5*time.Millisecond)

	now = time.Now()
	assert.Equal(t, 0, r.ReconcileOnce(ctx), "within grace")
	assert.Equal(t, models.StatusInProgress, f.get(t, task.ID).Status)

	now = now.Add(16 * time.Second)
	assert.Equal(t, 1, r.ReconcileOnce(ctx))
	assert.Equal(t, models.StatusReview, f.get(t, task.ID).Status)

	saves := f.store.saveCount()
	assert.Equal(t, 0, r.ReconcileOnce(ctx), "once per generation")
	assert.Equal(t, saves, f.store.saveCount())

	t.Run("continued session is signalled again after it exits", func(t *testing.T) {
		require.NoError(t, f.sessions.registry.Write(ctx, sid, []byte("more\r")))
		require.Eventually(t, func() bool {
			stored, err := f.store.Get("web", task.ID)
			return err == nil && stored.Status == models.StatusInProgress
		}, time.Second, 5*time.Millisecond)

		f.sessions.spawner.Last().Exit(0)
		require.Eventually(t, func() bool { return s.Info().Exited }, time.Second, 5*time.Millisecond)

		now = time.Now().Add(time.Minute)
		assert.Equal(t, 1, r.ReconcileOnce(ctx))
		assert.Equal(t, models.StatusReview, f.get(t, task.ID).Status)
	})

	t.Run("stopped sessions are forgotten", func(t *testing.T) {
		require.NoError(t, f.sessions.registry.Stop(sid))
		r.ReconcileOnce(ctx)
		assert.Empty(t, r.handled)
	})
}
