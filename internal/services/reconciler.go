package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ccui-dev/ccui/internal/logger"
)

// Reconciler is the backstop for lost Stop hooks: a session whose process
// exited more than Grace ago gets the completion signal delivered on its
// behalf. The lifecycle guard makes this a no-op when the hook did arrive.
type Reconciler struct {
	sessions  *SessionRegistry
	lifecycle *TaskLifecycle
	Interval  time.Duration
	Grace     time.Duration

	now     func() time.Time
	log     zerolog.Logger
	handled map[string]int // session id -> generation already signalled
}

func NewReconciler(sessions *SessionRegistry, lifecycle *TaskLifecycle, interval, grace time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		sessions:  sessions,
		lifecycle: lifecycle,
		Interval:  interval,
		Grace:     grace,
		now:       time.Now,
		log:       logger.Component("reconciler"),
		handled:   make(map[string]int),
	}
}

// Run reconciles every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ReconcileOnce signals completion for exited sessions past the grace
// period and returns how many it signalled.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	now := r.now()
	live := make(map[string]bool)
	signalled := 0

	for _, info := range r.sessions.List() {
		live[info.ID] = true
		if !info.Exited || info.ExitedAt == nil || now.Sub(*info.ExitedAt) < r.Grace {
			continue
		}
		if gen, ok := r.handled[info.ID]; ok && gen == info.Generation {
			continue
		}
		r.handled[info.ID] = info.Generation

		if err := r.lifecycle.AdvanceToReview(ctx, info.ID); err != nil {
			r.log.Warn().Err(err).Str("session_id", info.ID).Msg("⚠️ reconcile failed")
			delete(r.handled, info.ID)
			continue
		}
		signalled++
	}

	for id := range r.handled {
		if !live[id] {
			delete(r.handled, id)
		}
	}
	return signalled
}
