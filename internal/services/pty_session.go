package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/termstatus"
)

// Viewer is one attached terminal client. Sends must not block; a viewer
// that cannot keep up returns an error and is dropped.
type Viewer interface {
	ID() string
	SendBinary(data []byte) error
	SendControl(frame models.ControlFrame) error
	Close()
}

// Session is one agent conversation bound to a task. Successive processes
// (the initial print run, then interactive continuations) share its replay
// buffer and viewers.
type Session struct {
	ID           string
	Task         models.TaskRef
	WorkDir      string
	SettingsPath string
	StartedAt    time.Time

	// mu guards the fields below and orders every frame sent to viewers.
	mu         sync.Mutex
	proc       Process
	generation int
	mode       models.SessionMode
	exited     bool
	exitedAt   time.Time
	exitCode   *int
	stopped    bool
	cols, rows uint16
	viewers    map[string]Viewer
	buffer     *ReplayBuffer
	classifier *termstatus.Classifier
	debouncer  *ActivityDebouncer
	idleTimer  *time.Timer

	// writeMu serialises stdin writes.
	writeMu sync.Mutex

	log zerolog.Logger
}

func newSession(id string, task models.TaskRef, workDir string, opts *RegistryOptions) *Session {
	classifier := termstatus.NewClassifier(opts.QuietPeriod)
	classifier.SetClock(opts.Now)
	return &Session{
		ID:         id,
		Task:       task,
		WorkDir:    workDir,
		StartedAt:  opts.Now(),
		mode:       models.ModePrint,
		cols:       opts.DefaultCols,
		rows:       opts.DefaultRows,
		viewers:    make(map[string]Viewer),
		buffer:     NewReplayBuffer(opts.ReplayBufferBytes),
		classifier: classifier,
		debouncer:  NewActivityDebouncer(opts.ActivityDebounce),
		log:        logger.ForSession(id),
	}
}

// Info summarises the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.SessionInfo{
		ID:         s.ID,
		Repo:       s.Task.Repo,
		TaskID:     s.Task.ID,
		Status:     s.classifier.Status(),
		Mode:       s.mode,
		Exited:     s.exited,
		Viewers:    len(s.viewers),
		Generation: s.generation,
		StartedAt:  s.StartedAt,
	}
	if s.exited {
		at := s.exitedAt
		info.ExitedAt = &at
	}
	return info
}

// Output returns a copy of the replay buffer.
func (s *Session) Output() []byte {
	return s.buffer.Snapshot()
}

// handleOutput runs on the reader goroutine for every chunk.
func (s *Session) handleOutput(gen int, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.stopped {
		return
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)

	_, _ = s.buffer.Write(data)
	s.broadcastLocked(func(v Viewer) error { return v.SendBinary(data) })

	if status, changed := s.classifier.Feed(data); changed {
		s.broadcastControlLocked(models.StatusFrame{Value: status})
	}
}

// appendNoticeLocked writes a server generated line into the stream.
func (s *Session) appendNoticeLocked(format string, args ...interface{}) {
	notice := []byte(fmt.Sprintf("\r\n\x1b[31m[ccui] "+format+"\x1b[0m\r\n", args...))
	_, _ = s.buffer.Write(notice)
	s.broadcastLocked(func(v Viewer) error { return v.SendBinary(notice) })
}

// markExited records the end of the process of generation gen.
func (s *Session) markExited(gen int, code int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.stopped {
		return
	}
	s.exitLocked(&code, at)
}

func (s *Session) exitLocked(code *int, at time.Time) {
	s.exited = true
	s.exitedAt = at
	s.exitCode = code
	if status, changed := s.classifier.Exited(); changed {
		s.broadcastControlLocked(models.StatusFrame{Value: status})
	}
	s.broadcastControlLocked(models.ExitFrame{Code: code})
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited || s.stopped {
		return
	}
	if status, changed := s.classifier.Tick(); changed {
		s.broadcastControlLocked(models.StatusFrame{Value: status})
	}
}

func (s *Session) broadcastControlLocked(frame models.ControlFrame) {
	s.broadcastLocked(func(v Viewer) error { return v.SendControl(frame) })
}

// broadcastLocked sends to every viewer, dropping those that fail.
func (s *Session) broadcastLocked(send func(Viewer) error) {
	for id, v := range s.viewers {
		if err := send(v); err != nil {
			s.log.Warn().Err(err).Str("viewer", id).Msg("❌ dropping viewer")
			delete(s.viewers, id)
			v.Close()
		}
	}
}

func (s *Session) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
