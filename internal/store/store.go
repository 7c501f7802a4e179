// Package store keeps tasks as markdown files laid out by repo and status:
//
//	<dataDir>/tasks/<repo>/<status>/<id>.md
//	<dataDir>/tasks/<repo>/.sidecar.json
//
// The sidecar holds the fields that change without moving the file.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidName  = errors.New("invalid repo or task name")
	ErrInvalidTask  = errors.New("invalid task")
)

const taskExt = ".md"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store is a file backed task store. All methods are safe for concurrent use.
type Store struct {
	root string

	mu         sync.Mutex
	selfWrites map[string]time.Time

	// RenameRetryDelay is how long a failed relocation waits before its single retry.
	RenameRetryDelay time.Duration
	now              func() time.Time
	rename           func(oldpath, newpath string) error
	// replace commits a temp file over its target.
	replace func(oldpath, newpath string) error
}

// New opens (and creates if needed) the task tree under dataDir.
func New(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	return &Store{
		root:             root,
		selfWrites:       make(map[string]time.Time),
		RenameRetryDelay: 100 * time.Millisecond,
		now:              time.Now,
		rename:           os.Rename,
		replace:          os.Rename,
	}, nil
}

// Root is the directory holding every repo's task tree.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) taskPath(repo string, status models.TaskStatus, id string) string {
	return filepath.Join(s.root, repo, string(status), id+taskExt)
}

func checkNames(names ...string) error {
	for _, n := range names {
		if !validName.MatchString(n) {
			return fmt.Errorf("%w: %q", ErrInvalidName, n)
		}
	}
	return nil
}

// Repos lists repos that have a task tree.
func (s *Store) Repos() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read task dir: %w", err)
	}
	var repos []string
	for _, e := range entries {
		if e.IsDir() && validName.MatchString(e.Name()) {
			repos = append(repos, e.Name())
		}
	}
	return repos, nil
}

// List returns the tasks of one repo, or of every repo when repo is empty,
// ordered by column, then priority, then age.
func (s *Store) List(repo string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos := []string{repo}
	if repo == "" {
		all, err := s.Repos()
		if err != nil {
			return nil, err
		}
		repos = all
	} else if err := checkNames(repo); err != nil {
		return nil, err
	}

	var tasks []*models.Task
	for _, r := range repos {
		side, err := s.readSidecarLocked(r)
		if err != nil {
			return nil, err
		}
		for _, status := range models.AllStatuses {
			dir := filepath.Join(s.root, r, string(status))
			entries, err := os.ReadDir(dir)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", dir, err)
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), taskExt) {
					continue
				}
				id := strings.TrimSuffix(e.Name(), taskExt)
				task, err := s.readTaskLocked(r, status, id)
				if err != nil {
					logger.Warnf("⚠️ skipping unreadable task %s/%s: %v", r, id, err)
					continue
				}
				side.apply(task)
				tasks = append(tasks, task)
			}
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Status != b.Status {
			return statusRank(a.Status) < statusRank(b.Status)
		}
		if a.Priority != b.Priority {
			return priorityRank(a.Priority) < priorityRank(b.Priority)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return tasks, nil
}

func statusRank(s models.TaskStatus) int {
	for i, known := range models.AllStatuses {
		if s == known {
			return i
		}
	}
	return len(models.AllStatuses)
}

func priorityRank(p models.Priority) int {
	switch p {
	case models.PriorityUrgent:
		return 0
	case models.PriorityHigh:
		return 1
	case models.PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Get reads a task fresh from disk.
func (s *Store) Get(repo, id string) (*models.Task, error) {
	if err := checkNames(repo, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(repo, id)
}

func (s *Store) getLocked(repo, id string) (*models.Task, error) {
	status, ok := s.locateLocked(repo, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, repo, id)
	}
	task, err := s.readTaskLocked(repo, status, id)
	if err != nil {
		return nil, err
	}
	side, err := s.readSidecarLocked(repo)
	if err != nil {
		return nil, err
	}
	side.apply(task)
	return task, nil
}

// locateLocked finds the status folder currently holding the task.
func (s *Store) locateLocked(repo, id string) (models.TaskStatus, bool) {
	for _, status := range models.AllStatuses {
		if _, err := os.Stat(s.taskPath(repo, status, id)); err == nil {
			return status, true
		}
	}
	return "", false
}

// Create stores a new task in the Backlog. Its id is the slug of the title,
// suffixed until it is unique within the repo.
func (s *Store) Create(req models.CreateTaskRequest) (*models.Task, error) {
	if err := checkNames(req.Repo); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrInvalidTask, priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := models.Slugify(req.Title)
	id := base
	for n := 2; ; n++ {
		if _, taken := s.locateLocked(req.Repo, id); !taken {
			break
		}
		id = base + "-" + strconv.Itoa(n)
	}

	now := s.now().UTC()
	task := &models.Task{
		ID:        id,
		Repo:      req.Repo,
		Title:     strings.TrimSpace(req.Title),
		Status:    models.StatusBacklog,
		Priority:  priority,
		Spec:      req.Spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.writeTaskLocked(task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Save persists task, moving its file when the status changed. UpdatedAt is
// stamped by the store. A failed Save leaves the task as it was on disk.
func (s *Store) Save(task *models.Task) error {
	if err := checkNames(task.Repo, task.ID); err != nil {
		return err
	}
	if !task.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidTask, task.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locateLocked(task.Repo, task.ID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, task.Repo, task.ID)
	}
	side, err := s.readSidecarLocked(task.Repo)
	if err != nil {
		return err
	}
	original, err := os.ReadFile(s.taskPath(task.Repo, current, task.ID))
	if err != nil {
		return fmt.Errorf("read task %s/%s: %w", task.Repo, task.ID, err)
	}

	if current != task.Status {
		if err := s.relocateLocked(task.Repo, task.ID, current, task.Status); err != nil {
			return err
		}
	}

	previous := task.UpdatedAt
	task.UpdatedAt = s.now().UTC()
	err = s.writeTaskLocked(task)
	if err == nil && side.set(task) {
		err = s.writeSidecarLocked(task.Repo, side)
	}
	if err != nil {
		task.UpdatedAt = previous
		if rbErr := s.restoreLocked(task.Repo, task.ID, current, task.Status, original); rbErr != nil {
			logger.Errorf("❌ failed to restore task %s/%s after a failed save: %v", task.Repo, task.ID, rbErr)
		}
		return err
	}
	return nil
}

// restoreLocked puts a task file back in its old status folder with its old
// content.
func (s *Store) restoreLocked(repo, id string, from, to models.TaskStatus, original []byte) error {
	if from != to {
		moved := s.taskPath(repo, to, id)
		s.markSelfWriteLocked(moved)
		if err := os.Remove(moved); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return s.writeFileLocked(s.taskPath(repo, from, id), original)
}

// relocateLocked moves the task file between status folders. A failed
// rename is retried once after RenameRetryDelay.
func (s *Store) relocateLocked(repo, id string, from, to models.TaskStatus) error {
	oldPath := s.taskPath(repo, from, id)
	newPath := s.taskPath(repo, to, id)
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}

	s.markSelfWriteLocked(oldPath)
	s.markSelfWriteLocked(newPath)
	err := s.rename(oldPath, newPath)
	if err != nil {
		logger.Debugf("🔄 rename %s failed, retrying: %v", oldPath, err)
		time.Sleep(s.RenameRetryDelay)
		err = s.rename(oldPath, newPath)
	}
	if err != nil {
		return fmt.Errorf("move task %s/%s to %s: %w", repo, id, to, err)
	}
	return nil
}

// Delete removes the task file and its sidecar entry.
func (s *Store) Delete(repo, id string) error {
	if err := checkNames(repo, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.locateLocked(repo, id)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, repo, id)
	}
	path := s.taskPath(repo, status, id)
	s.markSelfWriteLocked(path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	side, err := s.readSidecarLocked(repo)
	if err != nil {
		return err
	}
	if _, ok := side[id]; ok {
		delete(side, id)
		return s.writeSidecarLocked(repo, side)
	}
	return nil
}

// FindBySession returns the task currently bound to sessionID.
func (s *Store) FindBySession(sessionID string) (*models.Task, error) {
	if sessionID == "" {
		return nil, ErrTaskNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.Repos()
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		side, err := s.readSidecarLocked(repo)
		if err != nil {
			return nil, err
		}
		for id, entry := range side {
			if entry.SessionID == sessionID {
				return s.getLocked(repo, id)
			}
		}
	}
	return nil, fmt.Errorf("%w: session %s", ErrTaskNotFound, sessionID)
}

// SessionBindings maps every session id recorded in the sidecars to its task.
func (s *Store) SessionBindings() (map[string]models.TaskRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.Repos()
	if err != nil {
		return nil, err
	}
	bindings := make(map[string]models.TaskRef)
	for _, repo := range repos {
		side, err := s.readSidecarLocked(repo)
		if err != nil {
			return nil, err
		}
		for id, entry := range side {
			if entry.SessionID != "" {
				bindings[entry.SessionID] = models.TaskRef{Repo: repo, ID: id}
			}
		}
	}
	return bindings, nil
}

func (s *Store) readTaskLocked(repo string, status models.TaskStatus, id string) (*models.Task, error) {
	data, err := os.ReadFile(s.taskPath(repo, status, id))
	if err != nil {
		return nil, fmt.Errorf("read task %s/%s: %w", repo, id, err)
	}
	task, err := decodeTask(data)
	if err != nil {
		return nil, fmt.Errorf("parse task %s/%s: %w", repo, id, err)
	}
	task.ID = id
	task.Repo = repo
	task.Status = status
	return task, nil
}

func (s *Store) writeTaskLocked(task *models.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	return s.writeFileLocked(s.taskPath(task.Repo, task.Status, task.ID), data)
}

// writeFileLocked replaces path atomically through a temp file in the same dir.
func (s *Store) writeFileLocked(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	s.markSelfWriteLocked(path)
	if err := s.replace(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (s *Store) markSelfWriteLocked(path string) {
	s.selfWrites[path] = s.now()
}

// ownWrite reports whether path was touched by the store within window.
func (s *Store) ownWrite(path string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for p, at := range s.selfWrites {
		if now.Sub(at) > window {
			delete(s.selfWrites, p)
		}
	}
	_, ok := s.selfWrites[path]
	return ok
}
