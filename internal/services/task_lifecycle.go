package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ccui-dev/ccui/internal/cache"
	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/store"
)

// ErrInvalidTransition is returned when an action is not allowed from the
// task's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStore is the persistence the lifecycle needs.
type TaskStore interface {
	Get(repo, id string) (*models.Task, error)
	List(repo string) ([]*models.Task, error)
	Create(req models.CreateTaskRequest) (*models.Task, error)
	Save(task *models.Task) error
	Delete(repo, id string) error
	FindBySession(sessionID string) (*models.Task, error)
	SessionBindings() (map[string]models.TaskRef, error)
}

// RepoResolver maps repo names to working directories.
type RepoResolver interface {
	Get(name string) (models.Repo, error)
}

// Publisher delivers board events to subscribers.
type Publisher interface {
	Publish(event models.BoardEvent)
}

// TaskLifecycle is the task status state machine. Every transition of one
// task is serialised, checks its guard against a fresh store read, and is
// persisted before it is published.
type TaskLifecycle struct {
	store    TaskStore
	repos    RepoResolver
	sessions *SessionRegistry
	events   Publisher
	now      func() time.Time
	log      zerolog.Logger

	locksMu sync.Mutex
	locks   map[models.TaskRef]*sync.Mutex

	// sessionIndex resolves session ids to tasks without scanning sidecars.
	sessionIndex cache.Cache[models.TaskRef]
}

func NewTaskLifecycle(st TaskStore, repos RepoResolver, sessions *SessionRegistry, events Publisher) (*TaskLifecycle, error) {
	l := &TaskLifecycle{
		store:        st,
		repos:        repos,
		sessions:     sessions,
		events:       events,
		now:          time.Now,
		log:          logger.Component("lifecycle"),
		locks:        make(map[models.TaskRef]*sync.Mutex),
		sessionIndex: cache.NewLRU[models.TaskRef](cache.DefaultConfig()),
	}

	bindings, err := st.SessionBindings()
	if err != nil {
		return nil, fmt.Errorf("load session bindings: %w", err)
	}
	for sessionID, ref := range bindings {
		l.sessionIndex.Set(sessionID, ref)
	}

	sessions.SetActivityHandler(func(sessionID string) {
		if err := l.BackToInProgress(context.Background(), sessionID); err != nil {
			l.log.Warn().Err(err).Str("session_id", sessionID).Msg("⚠️ failed to resume task after activity")
		}
	})
	return l, nil
}

func (l *TaskLifecycle) lock(ref models.TaskRef) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[ref]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[ref] = mu
	}
	l.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (l *TaskLifecycle) publish(t models.EventType, task *models.Task) {
	if l.events != nil {
		l.events.Publish(models.BoardEvent{Type: t, Payload: task.Clone()})
	}
}

// persist saves the task and only then publishes the update.
func (l *TaskLifecycle) persist(task *models.Task) error {
	if err := l.store.Save(task); err != nil {
		return fmt.Errorf("save task %s: %w", task.Ref(), err)
	}
	l.publish(models.TaskUpdatedEvent, task)
	return nil
}

// resolve finds the task bound to a session.
func (l *TaskLifecycle) resolve(sessionID string) (models.TaskRef, bool) {
	if ref, ok := l.sessionIndex.Get(sessionID); ok {
		return ref, true
	}
	task, err := l.store.FindBySession(sessionID)
	if err != nil {
		return models.TaskRef{}, false
	}
	ref := task.Ref()
	l.sessionIndex.Set(sessionID, ref)
	return ref, true
}

// Handover sends a Backlog or Not Started task to the agent. A blank spec
// moves the task straight to Review without starting anything.
func (l *TaskLifecycle) Handover(ctx context.Context, repo, id string) (*models.Task, error) {
	ref := models.TaskRef{Repo: repo, ID: id}
	unlock := l.lock(ref)
	defer unlock()

	task, err := l.store.Get(repo, id)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanHandover() {
		return nil, fmt.Errorf("%w: cannot hand over a task in %s", ErrInvalidTransition, task.Status.DisplayName())
	}

	if !task.HasSpec() {
		task.Status = models.StatusReview
		task.SessionID = ""
		if err := l.persist(task); err != nil {
			return nil, err
		}
		l.log.Info().Str("task", ref.String()).Msg("📝 blank spec, moved straight to review")
		return task, nil
	}

	r, err := l.repos.Get(repo)
	if err != nil {
		return nil, err
	}

	// indexed before the agent runs so its first hook finds the task
	sessionID := l.sessions.NewSessionID()
	l.sessionIndex.Set(sessionID, ref)
	if _, err := l.sessions.Start(ctx, StartRequest{SessionID: sessionID, Task: ref, Spec: task.Spec, WorkDir: r.Path}); err != nil {
		l.sessionIndex.Delete(sessionID)
		return nil, fmt.Errorf("start session: %w", err)
	}

	task.Status = models.StatusInProgress
	task.SessionID = sessionID
	if err := l.persist(task); err != nil {
		l.sessionIndex.Delete(sessionID)
		_ = l.sessions.Stop(sessionID)
		return nil, err
	}
	l.log.Info().Str("task", ref.String()).Str("session_id", sessionID).Msg("🚀 task handed over")
	return task, nil
}

// AdvanceToReview is the external completion signal of a session. It only
// applies while the task is In Progress with that session; otherwise it is a
// no-op.
func (l *TaskLifecycle) AdvanceToReview(ctx context.Context, sessionID string) error {
	return l.guardedMove(ctx, sessionID, models.StatusInProgress, models.StatusReview)
}

// BackToInProgress reopens a Review task whose session the user engaged again.
func (l *TaskLifecycle) BackToInProgress(ctx context.Context, sessionID string) error {
	return l.guardedMove(ctx, sessionID, models.StatusReview, models.StatusInProgress)
}

func (l *TaskLifecycle) guardedMove(ctx context.Context, sessionID string, from, to models.TaskStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref, ok := l.resolve(sessionID)
	if !ok {
		l.log.Debug().Str("session_id", sessionID).Msg("no task for session")
		return nil
	}

	unlock := l.lock(ref)
	defer unlock()

	task, err := l.store.Get(ref.Repo, ref.ID)
	if errors.Is(err, store.ErrTaskNotFound) {
		l.sessionIndex.Delete(sessionID)
		return nil
	}
	if err != nil {
		return err
	}
	if task.SessionID != sessionID || task.Status != from {
		l.log.Debug().
			Str("task", ref.String()).
			Str("status", string(task.Status)).
			Str("want", string(from)).
			Msg("guard not met, ignoring")
		return nil
	}

	task.Status = to
	if err := l.persist(task); err != nil {
		return err
	}
	if to == models.StatusReview {
		l.sessions.ResetActivity(sessionID)
	}
	l.log.Info().Str("task", ref.String()).Str("from", string(from)).Str("to", string(to)).Msg("🔀 task moved")
	return nil
}

// Recall returns any task to the Backlog and cancels its session.
func (l *TaskLifecycle) Recall(ctx context.Context, repo, id string) (*models.Task, error) {
	ref := models.TaskRef{Repo: repo, ID: id}
	unlock := l.lock(ref)
	defer unlock()

	task, err := l.store.Get(repo, id)
	if err != nil {
		return nil, err
	}

	sessionID := task.SessionID
	task.Status = models.StatusBacklog
	task.SessionID = ""
	task.ArchivedAt = nil
	if err := l.persist(task); err != nil {
		return nil, err
	}

	l.releaseSession(ref, sessionID)
	l.log.Info().Str("task", ref.String()).Msg("↩️ task recalled")
	return task, nil
}

// releaseSession drops every index entry of a task and stops the session it
// was bound to.
func (l *TaskLifecycle) releaseSession(ref models.TaskRef, sessionID string) {
	l.sessionIndex.DeleteFunc(func(id string, bound models.TaskRef) bool {
		return id == sessionID || bound == ref
	})
	if sessionID == "" {
		return
	}
	if err := l.sessions.Stop(sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		l.log.Warn().Err(err).Str("session_id", sessionID).Msg("⚠️ failed to stop released session")
	}
}

// ResumeSession continues an exited session interactively, adopting it
// first when the server restarted since it ran.
func (l *TaskLifecycle) ResumeSession(ctx context.Context, sessionID string) error {
	if err := l.EnsureSession(sessionID); err != nil {
		return err
	}
	return l.sessions.ResumeInteractive(ctx, sessionID)
}

// EnsureSession makes sure a session bound to a task is registered, adopting
// it as an exited placeholder when its process is gone.
func (l *TaskLifecycle) EnsureSession(sessionID string) error {
	if _, err := l.sessions.Get(sessionID); err == nil {
		return nil
	}
	ref, ok := l.resolve(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	task, err := l.store.Get(ref.Repo, ref.ID)
	if err != nil || task.SessionID != sessionID {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	r, err := l.repos.Get(ref.Repo)
	if err != nil {
		return err
	}
	_, err = l.sessions.Adopt(sessionID, ref, r.Path)
	return err
}

// CreateTask adds a task to the Backlog.
func (l *TaskLifecycle) CreateTask(req models.CreateTaskRequest) (*models.Task, error) {
	if _, err := l.repos.Get(req.Repo); err != nil {
		return nil, err
	}
	task, err := l.store.Create(req)
	if err != nil {
		return nil, err
	}
	l.publish(models.TaskCreatedEvent, task)
	return task, nil
}

// UpdateTask applies a board edit. Status moves made from the board may
// target Backlog, Not Started or Done; the agent columns are reached only
// through handover and session signals. Moving a task off the agent columns
// cancels its session.
func (l *TaskLifecycle) UpdateTask(repo, id string, req models.UpdateTaskRequest) (*models.Task, error) {
	ref := models.TaskRef{Repo: repo, ID: id}
	unlock := l.lock(ref)
	defer unlock()

	task, err := l.store.Get(repo, id)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		if *req.Title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", store.ErrInvalidTask)
		}
		task.Title = *req.Title
	}
	if req.Spec != nil {
		task.Spec = *req.Spec
	}
	if req.Priority != nil {
		if !req.Priority.Valid() {
			return nil, fmt.Errorf("%w: invalid priority %q", store.ErrInvalidTask, *req.Priority)
		}
		task.Priority = *req.Priority
	}
	var released string
	if req.Status != nil && *req.Status != task.Status {
		switch *req.Status {
		case models.StatusBacklog, models.StatusNotStarted:
			task.ArchivedAt = nil
		case models.StatusDone:
			at := l.now().UTC()
			task.ArchivedAt = &at
		default:
			return nil, fmt.Errorf("%w: %s is entered through handover", ErrInvalidTransition, req.Status.DisplayName())
		}
		task.Status = *req.Status
		released = task.SessionID
		task.SessionID = ""
	}

	if err := l.persist(task); err != nil {
		return nil, err
	}
	if released != "" {
		l.releaseSession(ref, released)
		l.log.Info().Str("task", ref.String()).Str("session_id", released).Msg("✋ session cancelled by board move")
	}
	return task, nil
}

// DeleteTask removes a task and cancels its session.
func (l *TaskLifecycle) DeleteTask(repo, id string) error {
	ref := models.TaskRef{Repo: repo, ID: id}
	unlock := l.lock(ref)
	defer unlock()

	task, err := l.store.Get(repo, id)
	if err != nil {
		return err
	}
	if err := l.store.Delete(repo, id); err != nil {
		return err
	}
	l.releaseSession(ref, task.SessionID)
	if l.events != nil {
		l.events.Publish(models.BoardEvent{
			Type:    models.TaskDeletedEvent,
			Payload: models.TaskDeletedPayload{Repo: repo, ID: id},
		})
	}
	return nil
}

// ExternalEdit republishes a task changed on disk by another program.
func (l *TaskLifecycle) ExternalEdit(change store.ExternalChange) {
	task, err := l.store.Get(change.Ref.Repo, change.Ref.ID)
	switch {
	case err == nil:
		l.publish(models.TaskUpdatedEvent, task)
	case errors.Is(err, store.ErrTaskNotFound) && change.Removed:
		if l.events != nil {
			l.events.Publish(models.BoardEvent{
				Type:    models.TaskDeletedEvent,
				Payload: models.TaskDeletedPayload{Repo: change.Ref.Repo, ID: change.Ref.ID},
			})
		}
	}
}
