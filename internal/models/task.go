package models

import (
	"regexp"
	"strings"
	"time"
)

// TaskStatus is the board column a task lives in. It doubles as the
// folder name of the task file on disk.
type TaskStatus string

const (
	StatusBacklog    TaskStatus = "backlog"
	StatusNotStarted TaskStatus = "not-started"
	StatusInProgress TaskStatus = "in-progress"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
)

// AllStatuses lists the board columns in display order.
var AllStatuses = []TaskStatus{
	StatusBacklog,
	StatusNotStarted,
	StatusInProgress,
	StatusReview,
	StatusDone,
}

func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// DisplayName is the column title shown on the board.
func (s TaskStatus) DisplayName() string {
	switch s {
	case StatusBacklog:
		return "Backlog"
	case StatusNotStarted:
		return "Not Started"
	case StatusInProgress:
		return "In Progress"
	case StatusReview:
		return "Review"
	case StatusDone:
		return "Done"
	}
	return string(s)
}

// CanHandover reports whether a task in this status may be sent to the agent.
func (s TaskStatus) CanHandover() bool {
	return s == StatusBacklog || s == StatusNotStarted
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is a single card on the board.
type Task struct {
	ID         string     `json:"id"`
	Repo       string     `json:"repo"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	Priority   Priority   `json:"priority"`
	Spec       string     `json:"spec"`
	SessionID  string     `json:"sessionId,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// TaskRef identifies a task independent of its current column.
type TaskRef struct {
	Repo string `json:"repo"`
	ID   string `json:"id"`
}

func (r TaskRef) String() string {
	return r.Repo + "/" + r.ID
}

func (t *Task) Ref() TaskRef {
	return TaskRef{Repo: t.Repo, ID: t.ID}
}

// HasSpec is false for blank or whitespace-only specs; such tasks never
// get an agent session.
func (t *Task) HasSpec() bool {
	return strings.TrimSpace(t.Spec) != ""
}

// Clone returns a copy that shares no pointers with t.
func (t *Task) Clone() *Task {
	c := *t
	if t.ArchivedAt != nil {
		at := *t.ArchivedAt
		c.ArchivedAt = &at
	}
	return &c
}

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Repo     string   `json:"repo"`
	Title    string   `json:"title"`
	Spec     string   `json:"spec"`
	Priority Priority `json:"priority"`
}

// UpdateTaskRequest is the body of PATCH /api/tasks/:id. Nil fields are left alone.
type UpdateTaskRequest struct {
	Title    *string     `json:"title,omitempty"`
	Spec     *string     `json:"spec,omitempty"`
	Priority *Priority   `json:"priority,omitempty"`
	Status   *TaskStatus `json:"status,omitempty"`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a task title into an id usable as a file name.
func Slugify(title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
