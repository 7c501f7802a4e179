package models

// EventType names a board event.
type EventType string

const (
	TaskCreatedEvent EventType = "task:created"
	TaskUpdatedEvent EventType = "task:updated"
	TaskDeletedEvent EventType = "task:deleted"
	RepoCreatedEvent EventType = "repo:created"
	RepoDeletedEvent EventType = "repo:deleted"
)

// BoardEvent is what /ws/board and /api/events subscribers receive.
type BoardEvent struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// TaskDeletedPayload carries the identity of a removed task.
type TaskDeletedPayload struct {
	Repo string `json:"repo"`
	ID   string `json:"id"`
}

// RepoDeletedPayload carries the name of a removed repo.
type RepoDeletedPayload struct {
	Name string `json:"name"`
}
