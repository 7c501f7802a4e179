package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ccui-dev/ccui/internal/models"
)

const sidecarFile = ".sidecar.json"

type sidecarEntry struct {
	SessionID  string     `json:"sessionId,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// sidecar is keyed by task id.
type sidecar map[string]sidecarEntry

func (sc sidecar) apply(task *models.Task) {
	entry, ok := sc[task.ID]
	if !ok {
		return
	}
	task.SessionID = entry.SessionID
	if entry.ArchivedAt != nil {
		at := *entry.ArchivedAt
		task.ArchivedAt = &at
	}
}

// set records the task's sidecar fields and reports whether anything changed.
func (sc sidecar) set(task *models.Task) bool {
	old, had := sc[task.ID]
	entry := sidecarEntry{SessionID: task.SessionID}
	if task.ArchivedAt != nil {
		at := task.ArchivedAt.UTC()
		entry.ArchivedAt = &at
	}

	if entry.SessionID == "" && entry.ArchivedAt == nil {
		if had {
			delete(sc, task.ID)
			return true
		}
		return false
	}
	if had && old.SessionID == entry.SessionID && timesEqual(old.ArchivedAt, entry.ArchivedAt) {
		return false
	}
	sc[task.ID] = entry
	return true
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Store) sidecarPath(repo string) string {
	return filepath.Join(s.root, repo, sidecarFile)
}

func (s *Store) readSidecarLocked(repo string) (sidecar, error) {
	data, err := os.ReadFile(s.sidecarPath(repo))
	if errors.Is(err, os.ErrNotExist) {
		return sidecar{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sidecar for %s: %w", repo, err)
	}
	sc := sidecar{}
	if len(data) == 0 {
		return sc, nil
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sidecar for %s: %w", repo, err)
	}
	return sc, nil
}

func (s *Store) writeSidecarLocked(repo string, sc sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	return s.writeFileLocked(s.sidecarPath(repo), data)
}
