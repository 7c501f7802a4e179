package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/recovery"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionStopped  = errors.New("session stopped")
)

// HookInstaller creates and removes the per-session hook settings.
type HookInstaller interface {
	CreateHookSettings(sessionID string, serverPort int) (string, error)
	CleanupHookSettings(sessionID string)
}

// RegistryOptions configures a SessionRegistry. Zero values get defaults.
type RegistryOptions struct {
	Spawner     Spawner
	Hooks       HookInstaller
	AgentBinary string
	AgentArgs   []string
	ServerPort  int

	ReplayBufferBytes int
	IdleTimeout       time.Duration
	QuietPeriod       time.Duration
	ActivityDebounce  time.Duration
	TickInterval      time.Duration
	DefaultCols       uint16
	DefaultRows       uint16

	Now   func() time.Time
	NewID func() string
}

func (o *RegistryOptions) setDefaults() {
	if o.Spawner == nil {
		o.Spawner = PTYSpawner{}
	}
	if o.AgentBinary == "" {
		o.AgentBinary = "claude"
	}
	if o.ReplayBufferBytes <= 0 {
		o.ReplayBufferBytes = DefaultReplayBufferSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.DefaultCols == 0 || o.DefaultRows == 0 {
		o.DefaultCols, o.DefaultRows = 80, 24
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// StartRequest hands a task's spec to a new agent session.
type StartRequest struct {
	// SessionID is allocated when empty.
	SessionID string
	Task      models.TaskRef
	Spec      string
	WorkDir   string
}

// SessionRegistry owns every live agent session of the server. It is
// created once by the serve command and shared by the handlers.
type SessionRegistry struct {
	opts RegistryOptions
	log  zerolog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	onActivity func(sessionID string)
}

func NewSessionRegistry(opts RegistryOptions) *SessionRegistry {
	opts.setDefaults()
	return &SessionRegistry{
		opts:     opts,
		log:      logger.Component("sessions"),
		sessions: make(map[string]*Session),
	}
}

// SetActivityHandler installs the callback for meaningful user input in a
// continued session. It is invoked once per debounced burst.
func (r *SessionRegistry) SetActivityHandler(fn func(sessionID string)) {
	r.mu.Lock()
	r.onActivity = fn
	r.mu.Unlock()
}

// NewSessionID allocates an id for a session that is about to start.
func (r *SessionRegistry) NewSessionID() string {
	return r.opts.NewID()
}

func (r *SessionRegistry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// List returns summaries of every session, oldest first.
func (r *SessionRegistry) List() []models.SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// Start creates a session and launches the agent non-interactively with the
// spec as its prompt. A spawn failure still yields a registered, exited
// session so viewers can see what went wrong.
func (r *SessionRegistry) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := req.SessionID
	if id == "" {
		id = r.NewSessionID()
	}
	if _, err := r.Get(id); err == nil {
		return "", fmt.Errorf("session %s already exists", id)
	}
	s := newSession(id, req.Task, req.WorkDir, &r.opts)

	if r.opts.Hooks != nil {
		path, err := r.opts.Hooks.CreateHookSettings(id, r.opts.ServerPort)
		if err != nil {
			return "", fmt.Errorf("create hook settings: %w", err)
		}
		s.SettingsPath = path
	}

	args := []string{"-p", req.Spec}
	args = append(args, r.agentArgs(s)...)

	s.mu.Lock()
	proc, err := r.spawnLocked(s, args)
	if err != nil {
		s.log.Error().Err(err).Msg("❌ failed to start agent")
		s.appendNoticeLocked("failed to start agent: %v", err)
		s.exitLocked(nil, r.opts.Now())
	} else {
		s.log.Info().Str("task", req.Task.String()).Int("pid", proc.Pid()).Msg("🤖 started agent session")
	}
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	if err == nil {
		r.startReader(s, proc, 0)
	} else {
		r.scheduleTeardownIfIdle(s)
	}
	return id, nil
}

// Adopt registers an exited placeholder for a session whose process did not
// survive a server restart, so it can be viewed and continued.
func (r *SessionRegistry) Adopt(sessionID string, task models.TaskRef, workDir string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}

	s := newSession(sessionID, task, workDir, &r.opts)
	if r.opts.Hooks != nil {
		path, err := r.opts.Hooks.CreateHookSettings(sessionID, r.opts.ServerPort)
		if err != nil {
			return nil, fmt.Errorf("create hook settings: %w", err)
		}
		s.SettingsPath = path
	}
	s.mu.Lock()
	s.appendNoticeLocked("earlier output of this session is no longer available; type to continue the conversation")
	s.exitLocked(nil, r.opts.Now())
	s.mu.Unlock()

	r.sessions[sessionID] = s
	r.scheduleTeardownIfIdle(s)
	r.log.Info().Str("session_id", sessionID).Str("task", task.String()).Msg("♻️ adopted session from a previous run")
	return s, nil
}

func (r *SessionRegistry) agentArgs(s *Session) []string {
	var args []string
	if s.SettingsPath != "" {
		args = append(args, "--settings", s.SettingsPath)
	}
	return append(args, r.opts.AgentArgs...)
}

func (r *SessionRegistry) spawnLocked(s *Session, args []string) (Process, error) {
	proc, err := r.opts.Spawner.Spawn(SpawnRequest{
		SessionID: s.ID,
		Binary:    r.opts.AgentBinary,
		Args:      args,
		Dir:       s.WorkDir,
		Cols:      s.cols,
		Rows:      s.rows,
	})
	if err != nil {
		return nil, err
	}
	s.proc = proc
	return proc, nil
}

// startReader pumps process output into the session and reaps the process
// once the terminal closes, so the exit frame follows the last byte.
func (r *SessionRegistry) startReader(s *Session, proc Process, gen int) {
	recovery.SafeGo("session-reader-"+s.ID, func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := proc.Read(buf)
			if n > 0 {
				s.handleOutput(gen, buf[:n])
			}
			if err != nil {
				break
			}
		}

		code, err := proc.Wait()
		if err != nil {
			s.log.Debug().Err(err).Msg("wait failed")
		}
		_ = proc.Close()
		s.log.Info().Int("exit_code", code).Int("generation", gen).Msg("🏁 agent process exited")

		s.markExited(gen, code, r.opts.Now())
		r.scheduleTeardownIfIdle(s)
	})
}

// Attach registers a viewer and sends it the replay, the current status and,
// for finished processes, the exit frame. All of it happens under the
// session lock so nothing produced meanwhile is lost or duplicated.
func (r *SessionRegistry) Attach(sessionID string, v Viewer) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.stopIdleTimerLocked()

	if err := v.SendControl(models.ReplayFrame{Data: s.buffer.Snapshot()}); err != nil {
		return fmt.Errorf("send replay: %w", err)
	}
	if err := v.SendControl(models.StatusFrame{Value: s.classifier.Status()}); err != nil {
		return fmt.Errorf("send status: %w", err)
	}
	if s.exited {
		if err := v.SendControl(models.ExitFrame{Code: s.exitCode}); err != nil {
			return fmt.Errorf("send exit: %w", err)
		}
	}
	s.viewers[v.ID()] = v
	s.log.Debug().Str("viewer", v.ID()).Int("viewers", len(s.viewers)).Msg("🔌 viewer attached")
	return nil
}

// Detach unregisters a viewer.
func (r *SessionRegistry) Detach(sessionID string, v Viewer) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	if current, ok := s.viewers[v.ID()]; ok && current == v {
		delete(s.viewers, v.ID())
	}
	s.log.Debug().Str("viewer", v.ID()).Int("viewers", len(s.viewers)).Msg("🔌 viewer detached")
	s.mu.Unlock()

	r.scheduleTeardownIfIdle(s)
}

// scheduleTeardownIfIdle arms the idle timer of an exited session nobody watches.
func (r *SessionRegistry) scheduleTeardownIfIdle(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.exited || s.stopped || len(s.viewers) > 0 || s.idleTimer != nil {
		return
	}
	gen := s.generation
	s.idleTimer = time.AfterFunc(r.opts.IdleTimeout, func() {
		s.mu.Lock()
		idle := s.exited && !s.stopped && len(s.viewers) == 0 && s.generation == gen
		s.idleTimer = nil
		s.mu.Unlock()
		if idle {
			s.log.Info().Msg("🧹 tearing down idle session")
			_ = r.Stop(s.ID)
		}
	})
}

// ResumeInteractive starts an interactive continuation of a session whose
// process has exited. Live sessions are left alone.
func (r *SessionRegistry) ResumeInteractive(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionStopped, sessionID)
	}
	if !s.exited {
		s.mu.Unlock()
		return nil
	}

	args := append([]string{"--continue"}, r.agentArgs(s)...)
	proc, err := r.spawnLocked(s, args)
	if err != nil {
		s.appendNoticeLocked("failed to continue session: %v", err)
		s.mu.Unlock()
		return fmt.Errorf("resume session %s: %w", sessionID, err)
	}

	s.stopIdleTimerLocked()
	s.generation++
	gen := s.generation
	s.mode = models.ModeContinue
	s.exited = false
	s.exitCode = nil
	s.classifier.Reset()
	s.debouncer.Reset()
	s.broadcastControlLocked(models.ResumedFrame{})
	s.broadcastControlLocked(models.StatusFrame{Value: s.classifier.Status()})
	s.log.Info().Int("generation", gen).Int("pid", proc.Pid()).Msg("🔄 continuing session interactively")
	s.mu.Unlock()

	r.startReader(s, proc, gen)
	return nil
}

// Write forwards keystrokes to the agent. Input to an exited session first
// resumes it. Input to a continued session counts as activity.
func (r *SessionRegistry) Write(ctx context.Context, sessionID string, data []byte) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	exited, stopped := s.exited, s.stopped
	s.mu.Unlock()
	if stopped {
		return fmt.Errorf("%w: %s", ErrSessionStopped, sessionID)
	}
	if exited {
		if err := r.ResumeInteractive(ctx, sessionID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	proc := s.proc
	activity := s.mode == models.ModeContinue && !s.exited && s.debouncer.Admit(r.opts.Now())
	s.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("%w: %s has no process", ErrSessionNotFound, sessionID)
	}

	s.writeMu.Lock()
	_, err = proc.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write to session %s: %w", sessionID, err)
	}

	if activity {
		r.mu.RLock()
		fn := r.onActivity
		r.mu.RUnlock()
		if fn != nil {
			recovery.SafeGo("session-activity-"+sessionID, func() { fn(sessionID) })
		}
	}
	return nil
}

// ResetActivity restarts the activity window of a session, so the next
// keystroke after its task reached Review counts again.
func (r *SessionRegistry) ResetActivity(sessionID string) {
	s, err := r.Get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.debouncer.Reset()
	s.mu.Unlock()
}

// Resize changes the terminal size. It is remembered for later continuations.
func (r *SessionRegistry) Resize(sessionID string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nil
	}
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cols, s.rows = cols, rows
	if s.proc == nil || s.exited {
		return nil
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize session %s: %w", sessionID, err)
	}
	return nil
}

// Stop cancels a session: the process is killed, viewers receive an exit
// frame and are disconnected, and the hook settings are removed.
func (r *SessionRegistry) Stop(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	s.mu.Lock()
	proc := s.proc
	wasRunning := !s.exited
	s.stopIdleTimerLocked()
	if wasRunning {
		s.exitLocked(nil, r.opts.Now())
	}
	s.stopped = true
	s.generation++
	for id, v := range s.viewers {
		v.Close()
		delete(s.viewers, id)
	}
	s.mu.Unlock()

	if proc != nil && wasRunning {
		if err := proc.Kill(); err != nil {
			s.log.Debug().Err(err).Msg("kill failed")
		}
		_ = proc.Close()
	}
	if r.opts.Hooks != nil {
		r.opts.Hooks.CleanupHookSettings(sessionID)
	}
	s.log.Info().Msg("🛑 session stopped")
	return nil
}

// Run drives the quiet-period classification until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (r *SessionRegistry) tick() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.tick()
	}
}

// Shutdown stops every session.
func (r *SessionRegistry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Stop(id)
	}
	r.log.Info().Int("sessions", len(ids)).Msg("🛑 all sessions stopped")
}
