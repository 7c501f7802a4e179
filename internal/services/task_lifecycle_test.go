package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/repos"
	"github.com/ccui-dev/ccui/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.BoardEvent
}

func (p *recordingPublisher) Publish(e models.BoardEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []models.BoardEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.BoardEvent(nil), p.events...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

// countingStore counts saves and can be told to fail them.
type countingStore struct {
	*store.Store

	mu    sync.Mutex
	saves int
	fail  error
}

func (s *countingStore) Save(task *models.Task) error {
	s.mu.Lock()
	fail := s.fail
	s.saves++
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Store.Save(task)
}

func (s *countingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *countingStore) failSaves(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

type lifecycleFixture struct {
	lifecycle *TaskLifecycle
	store     *countingStore
	events    *recordingPublisher
	sessions  *registryFixture
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	dataDir := t.TempDir()

	st, err := store.New(dataDir)
	require.NoError(t, err)
	reg, err := repos.Open(dataDir)
	require.NoError(t, err)
	_, err = reg.Add(models.CreateRepoRequest{Name: "web", Path: t.TempDir()})
	require.NoError(t, err)

	f := &lifecycleFixture{
		store:    &countingStore{Store: st},
		events:   &recordingPublisher{},
		sessions: newRegistryFixture(t),
	}
	f.lifecycle, err = NewTaskLifecycle(f.store, reg, f.sessions.registry, f.events)
	require.NoError(t, err)
	return f
}

func (f *lifecycleFixture) create(t *testing.T, title, spec string) *models.Task {
	t.Helper()
	task, err := f.lifecycle.CreateTask(models.CreateTaskRequest{Repo: "web", Title: title, Spec: spec})
	require.NoError(t, err)
	return task
}

func (f *lifecycleFixture) get(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := f.store.Get("web", id)
	require.NoError(t, err)
	return task
}

func TestCreateTaskPublishes(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Add login", "do X")

	assert.Equal(t, "add-login", task.ID)
	assert.Equal(t, models.StatusBacklog, task.Status)
	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.TaskCreatedEvent, events[0].Type)

	_, err := f.lifecycle.CreateTask(models.CreateTaskRequest{Repo: "nope", Title: "x"})
	assert.ErrorIs(t, err, repos.ErrRepoNotFound)
}

func TestHandoverBlankSpecGoesToReview(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Empty", "   \n")

	got, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReview, got.Status)
	assert.Empty(t, got.SessionID)
	assert.Equal(t, 0, f.sessions.spawner.Count(), "no session for a blank spec")
	assert.Equal(t, models.StatusReview, f.get(t, task.ID).Status)
}

func TestHandoverStartsSession(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	f.events.reset()

	got, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	require.NotEmpty(t, got.SessionID)

	stored := f.get(t, task.ID)
	assert.Equal(t, models.StatusInProgress, stored.Status)
	assert.Equal(t, got.SessionID, stored.SessionID)

	req := f.sessions.spawner.Requests()[0]
	assert.Equal(t, "do X", req.Args[1])

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.TaskUpdatedEvent, events[0].Type)
	assert.Equal(t, models.StatusInProgress, events[0].Payload.(*models.Task).Status)

	t.Run("cannot hand over twice", func(t *testing.T) {
		_, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, 1, f.sessions.spawner.Count())
	})
}

func TestHandoverUnknownTask(t *testing.T) {
	f := newLifecycleFixture(t)
	_, err := f.lifecycle.Handover(context.Background(), "web", "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestHandoverPersistFailureStopsSession(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	f.store.failSaves(errors.New("disk full"))

	_, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.Error(t, err)

	proc := f.sessions.spawner.Last()
	require.NotNil(t, proc)
	assert.True(t, proc.Killed())
	assert.Empty(t, f.sessions.registry.List())
}

func TestAdvanceAndReturnRoundTrip(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	handed, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.NoError(t, err)
	sid := handed.SessionID
	ctx := context.Background()

	savesBefore := f.store.saveCount()
	f.events.reset()

	require.NoError(t, f.lifecycle.AdvanceToReview(ctx, sid))
	require.NoError(t, f.lifecycle.AdvanceToReview(ctx, sid))

	assert.Equal(t, savesBefore+1, f.store.saveCount(), "second signal is a no-op")
	assert.Len(t, f.events.all(), 1)
	stored := f.get(t, task.ID)
	assert.Equal(t, models.StatusReview, stored.Status)
	assert.Equal(t, sid, stored.SessionID)

	require.NoError(t, f.lifecycle.BackToInProgress(ctx, sid))
	stored = f.get(t, task.ID)
	assert.Equal(t, models.StatusInProgress, stored.Status)
	assert.Equal(t, sid, stored.SessionID, "session survives the round trip")

	require.NoError(t, f.lifecycle.AdvanceToReview(ctx, sid))
	assert.Equal(t, models.StatusReview, f.get(t, task.ID).Status)
}

func TestGuardsIgnoreForeignSignals(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		assert.NoError(t, f.lifecycle.AdvanceToReview(ctx, "nobody"))
		assert.NoError(t, f.lifecycle.BackToInProgress(ctx, "nobody"))
	})

	handed, err := f.lifecycle.Handover(ctx, "web", task.ID)
	require.NoError(t, err)
	saves := f.store.saveCount()

	t.Run("back to in progress while in progress", func(t *testing.T) {
		require.NoError(t, f.lifecycle.BackToInProgress(ctx, handed.SessionID))
		assert.Equal(t, saves, f.store.saveCount())
	})

	t.Run("stale session after recall", func(t *testing.T) {
		_, err := f.lifecycle.Recall(ctx, "web", task.ID)
		require.NoError(t, err)
		saves := f.store.saveCount()

		require.NoError(t, f.lifecycle.AdvanceToReview(ctx, handed.SessionID))
		assert.Equal(t, saves, f.store.saveCount())
		assert.Equal(t, models.StatusBacklog, f.get(t, task.ID).Status)
	})
}

func TestRecall(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	handed, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.NoError(t, err)
	proc := f.sessions.spawner.Last()

	recalled, err := f.lifecycle.Recall(context.Background(), "web", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBacklog, recalled.Status)
	assert.Empty(t, recalled.SessionID)
	assert.True(t, proc.Killed())

	_, err = f.sessions.registry.Get(handed.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	stored := f.get(t, task.ID)
	assert.Equal(t, models.StatusBacklog, stored.Status)
	assert.Empty(t, stored.SessionID)

	t.Run("can hand over again", func(t *testing.T) {
		again, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
		require.NoError(t, err)
		assert.NotEqual(t, handed.SessionID, again.SessionID)
	})
}

func TestActivityReopensReviewTask(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	ctx := context.Background()
	handed, err := f.lifecycle.Handover(ctx, "web", task.ID)
	require.NoError(t, err)
	sid := handed.SessionID

	f.sessions.spawner.Last().Exit(0)
	s, err := f.sessions.registry.Get(sid)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Info().Exited }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.lifecycle.AdvanceToReview(ctx, sid))

	require.NoError(t, f.sessions.registry.Write(ctx, sid, []byte("one more thing\r")))
	require.Eventually(t, func() bool {
		stored, err := f.store.Get("web", task.ID)
		return err == nil && stored.Status == models.StatusInProgress
	}, time.Second, 10*time.Millisecond)
}

func TestReviewReopensOnFirstKeystrokeAfterCompletion(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	ctx := context.Background()
	handed, err := f.lifecycle.Handover(ctx, "web", task.ID)
	require.NoError(t, err)
	sid := handed.SessionID

	f.sessions.spawner.Last().Exit(0)
	s, err := f.sessions.registry.Get(sid)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Info().Exited }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.lifecycle.AdvanceToReview(ctx, sid))

	inProgress := func() bool {
		stored, err := f.store.Get("web", task.ID)
		return err == nil && stored.Status == models.StatusInProgress
	}
	require.NoError(t, f.sessions.registry.Write(ctx, sid, []byte("first\r")))
	require.Eventually(t, inProgress, time.Second, 10*time.Millisecond)

	// the agent finishes again well inside the debounce window
	require.NoError(t, f.lifecycle.AdvanceToReview(ctx, sid))
	require.Equal(t, models.StatusReview, f.get(t, task.ID).Status)

	require.NoError(t, f.sessions.registry.Write(ctx, sid, []byte("second\r")))
	assert.Eventually(t, inProgress, time.Second, 10*time.Millisecond)
}

func TestHandoverIndexesSessionBeforeAgentRuns(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	ctx := context.Background()

	resolved := make(chan bool, 1)
	signalled := make(chan error, 1)
	f.sessions.spawner.OnSpawn = func(req SpawnRequest) {
		_, ok := f.lifecycle.resolve(req.SessionID)
		resolved <- ok
		// the Stop hook can fire before the handover is persisted
		go func() { signalled <- f.lifecycle.AdvanceToReview(ctx, req.SessionID) }()
	}

	handed, err := f.lifecycle.Handover(ctx, "web", task.ID)
	require.NoError(t, err)
	assert.True(t, <-resolved, "session resolves while the agent starts")

	select {
	case err := <-signalled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("completion signal never returned")
	}
	stored := f.get(t, task.ID)
	assert.Equal(t, models.StatusReview, stored.Status)
	assert.Equal(t, handed.SessionID, stored.SessionID)
}

func TestHandoverFailureForgetsSession(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	f.store.failSaves(errors.New("disk full"))

	_, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.Error(t, err)
	_, ok := f.lifecycle.sessionIndex.Get("s1")
	assert.False(t, ok)
}

func TestEnsureSessionAdoptsBoundTask(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	handed, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.NoError(t, err)
	sid := handed.SessionID

	// forget the session as a restart would
	f.sessions.spawner.Last().Exit(0)
	f.sessions.registry.mu.Lock()
	delete(f.sessions.registry.sessions, sid)
	f.sessions.registry.mu.Unlock()

	require.NoError(t, f.lifecycle.EnsureSession(sid))
	s, err := f.sessions.registry.Get(sid)
	require.NoError(t, err)
	assert.True(t, s.Info().Exited)

	require.NoError(t, f.lifecycle.ResumeSession(context.Background(), sid))
	assert.Equal(t, "--continue", f.sessions.spawner.Requests()[1].Args[0])

	assert.ErrorIs(t, f.lifecycle.EnsureSession("nobody"), ErrSessionNotFound)
}

func TestUpdateTask(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")

	title := "Build it well"
	high := models.PriorityHigh
	notStarted := models.StatusNotStarted
	got, err := f.lifecycle.UpdateTask("web", task.ID, models.UpdateTaskRequest{
		Title: &title, Priority: &high, Status: &notStarted,
	})
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, models.StatusNotStarted, f.get(t, task.ID).Status)

	done := models.StatusDone
	got, err = f.lifecycle.UpdateTask("web", task.ID, models.UpdateTaskRequest{Status: &done})
	require.NoError(t, err)
	require.NotNil(t, got.ArchivedAt)

	review := models.StatusReview
	_, err = f.lifecycle.UpdateTask("web", task.ID, models.UpdateTaskRequest{Status: &review})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	empty := ""
	_, err = f.lifecycle.UpdateTask("web", task.ID, models.UpdateTaskRequest{Title: &empty})
	assert.Error(t, err)
}

func TestBoardMoveOffAgentColumnsCancelsSession(t *testing.T) {
	ctx := context.Background()

	t.Run("back to backlog", func(t *testing.T) {
		f := newLifecycleFixture(t)
		task := f.create(t, "Build it", "do X")
		first, err := f.lifecycle.Handover(ctx, "web", task.ID)
		require.NoError(t, err)
		firstProc := f.sessions.spawner.Last()

		backlog := models.StatusBacklog
		got, err := f.lifecycle.UpdateTask("web", task.ID, models.UpdateTaskRequest{Status: &backlog})
		require.NoError(t, err)
		assert.Empty(t, got.SessionID)
		assert.Empty(t, f.get(t, task.ID).SessionID)
		assert.True(t, firstProc.Killed())
		_, err = f.sessions.registry.Get(first.SessionID)
		assert.ErrorIs(t, err, ErrSessionNotFound)

		second, err := f.lifecycle.Handover(ctx, "web", task.ID)
		require.NoError(t, err)
		assert.NotEqual(t, first.SessionID, second.SessionID)
		assert.Len(t, f.sessions.registry.List(), 1, "one live session per task")

		// a late signal from the cancelled session changes nothing
		require.NoError(t, f.lifecycle.AdvanceToReview(ctx, first.SessionID))
		assert.Equal(t, models.StatusInProgress, f.get(t, task.ID).Status)
	})

	t.Run("review to done", func(t *testing.T) {
		f := newLifecycleFixture(t)
		task := f.create(t, "Build it", "do X")
		handed, err := f.lifecycle.Handover(ctx, "web", task.ID)
		require.NoError(t, err)
		require.NoError(t, f.lifecycle.AdvanceToReview(ctx, handed.SessionID))

		done := models.StatusDone
		got, err := f.lifecycle.UpdateTask("web", task.ID, models.UpdateTaskRequest{Status: &done})
		require.NoError(t, err)
		require.NotNil(t, got.ArchivedAt)

		stored := f.get(t, task.ID)
		assert.Equal(t, models.StatusDone, stored.Status)
		assert.Empty(t, stored.SessionID)
		assert.True(t, f.sessions.spawner.Last().Killed())
		assert.Empty(t, f.sessions.registry.List())
	})

	t.Run("edits without a move keep the session", func(t *testing.T) {
		f := newLifecycleFixture(t)
		task := f.create(t, "Build it", "do X")
		handed, err := f.lifecycle.Handover(ctx, "web", task.ID)
		require.NoError(t, err)

		title := "Build it well"
		got, err := f.lifecycle.UpdateTask("web", task.ID, models.UpdateTaskRequest{Title: &title})
		require.NoError(t, err)
		assert.Equal(t, handed.SessionID, got.SessionID)
		assert.False(t, f.sessions.spawner.Last().Killed())
	})
}

func TestDeleteTask(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	handed, err := f.lifecycle.Handover(context.Background(), "web", task.ID)
	require.NoError(t, err)
	f.events.reset()

	require.NoError(t, f.lifecycle.DeleteTask("web", task.ID))
	assert.True(t, f.sessions.spawner.Last().Killed())
	_, err = f.store.Get("web", task.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	_, err = f.sessions.registry.Get(handed.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.TaskDeletedEvent, events[0].Type)
	assert.Equal(t, models.TaskDeletedPayload{Repo: "web", ID: task.ID}, events[0].Payload)
}

func TestExternalEdit(t *testing.T) {
	f := newLifecycleFixture(t)
	task := f.create(t, "Build it", "do X")
	f.events.reset()

	f.lifecycle.ExternalEdit(store.ExternalChange{Ref: task.Ref()})
	f.lifecycle.ExternalEdit(store.ExternalChange{Ref: models.TaskRef{Repo: "web", ID: "gone"}, Removed: true})

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, models.TaskUpdatedEvent, events[0].Type)
	assert.Equal(t, models.TaskDeletedEvent, events[1].Type)
}
