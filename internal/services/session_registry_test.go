package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccui-dev/ccui/internal/hooks"
	"github.com/ccui-dev/ccui/internal/models"
)

type recordingViewer struct {
	id string

	mu      sync.Mutex
	frames  []interface{} // []byte for binary, models.ControlFrame otherwise
	closed  bool
	failing bool
}

func newRecordingViewer(id string) *recordingViewer {
	return &recordingViewer{id: id}
}

func (v *recordingViewer) ID() string { return v.id }

func (v *recordingViewer) SendBinary(data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failing {
		return errors.New("slow consumer")
	}
	v.frames = append(v.frames, append([]byte(nil), data...))
	return nil
}

func (v *recordingViewer) SendControl(frame models.ControlFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failing {
		return errors.New("slow consumer")
	}
	v.frames = append(v.frames, frame)
	return nil
}

func (v *recordingViewer) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}

func (v *recordingViewer) snapshot() []interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]interface{}(nil), v.frames...)
}

// binary concatenates the binary frames received so far.
func (v *recordingViewer) binary() string {
	out := ""
	for _, f := range v.snapshot() {
		if b, ok := f.([]byte); ok {
			out += string(b)
		}
	}
	return out
}

func (v *recordingViewer) statuses() []models.SessionStatus {
	var out []models.SessionStatus
	for _, f := range v.snapshot() {
		if s, ok := f.(models.StatusFrame); ok {
			out = append(out, s.Value)
		}
	}
	return out
}

func (v *recordingViewer) has(t models.FrameType) bool {
	for _, f := range v.snapshot() {
		if c, ok := f.(models.ControlFrame); ok && c.FrameType() == t {
			return true
		}
	}
	return false
}

func (v *recordingViewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

type registryFixture struct {
	registry *SessionRegistry
	spawner  *MockSpawner
	hooks    *hooks.Generator
	ids      int32
}

func newRegistryFixture(t *testing.T, mutate ...func(*RegistryOptions)) *registryFixture {
	t.Helper()
	f := &registryFixture{
		spawner: NewMockSpawner(),
		hooks:   hooks.NewGenerator(filepath.Join(t.TempDir(), "ccui-hooks")),
	}
	opts := RegistryOptions{
		Spawner:          f.spawner,
		Hooks:            f.hooks,
		AgentArgs:        []string{"--verbose"},
		ServerPort:       6789,
		ActivityDebounce: time.Hour,
		NewID: func() string {
			return fmt.Sprintf("s%d", atomic.AddInt32(&f.ids, 1))
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.registry = NewSessionRegistry(opts)
	t.Cleanup(f.registry.Shutdown)
	return f
}

func (f *registryFixture) start(t *testing.T, spec string) (string, *MockProcess) {
	t.Helper()
	id, err := f.registry.Start(context.Background(), StartRequest{
		Task:    models.TaskRef{Repo: "web", ID: "task"},
		Spec:    spec,
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	return id, f.spawner.Last()
}

func waitOutput(t *testing.T, s *Session, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return string(s.Output()) == want },
		time.Second, 5*time.Millisecond, "buffer never became %q", want)
}

func TestStartSpawnsAgentWithHooks(t *testing.T) {
	f := newRegistryFixture(t)
	id, proc := f.start(t, "do X")
	require.NotNil(t, proc)
	assert.Equal(t, "s1", id)

	reqs := f.spawner.Requests()
	require.Len(t, reqs, 1)
	settings := filepath.Join(f.hooks.Dir(id), hooks.SettingsFile)
	assert.Equal(t, []string{"-p", "do X", "--settings", settings, "--verbose"}, reqs[0].Args)
	assert.Equal(t, "claude", reqs[0].Binary)
	assert.FileExists(t, settings)

	s, err := f.registry.Get(id)
	require.NoError(t, err)
	info := s.Info()
	assert.Equal(t, models.SessionConnecting, info.Status)
	assert.Equal(t, models.ModePrint, info.Mode)
	assert.False(t, info.Exited)
}

func TestAttachReplaysThenStreams(t *testing.T) {
	f := newRegistryFixture(t)
	id, proc := f.start(t, "do X")
	s, err := f.registry.Get(id)
	require.NoError(t, err)

	proc.Emit("hello ")
	waitOutput(t, s, "hello ")

	v := newRecordingViewer("v1")
	require.NoError(t, f.registry.Attach(id, v))

	frames := v.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, models.ReplayFrame{Data: []byte("hello ")}, frames[0])
	assert.Equal(t, models.StatusFrame{Value: models.SessionConnecting}, frames[1])

	proc.Emit("world")
	require.Eventually(t, func() bool { return v.binary() == "world" }, time.Second, 5*time.Millisecond)

	replay := frames[0].(models.ReplayFrame)
	assert.Equal(t, "hello world", string(replay.Data)+v.binary(), "no gap and no duplication")
}

func TestClassificationAndExit(t *testing.T) {
	f := newRegistryFixture(t)
	id, proc := f.start(t, "do X")

	v := newRecordingViewer("v1")
	require.NoError(t, f.registry.Attach(id, v))

	proc.Emit("(thinking)")
	require.Eventually(t, func() bool { return len(v.statuses()) >= 2 }, time.Second, 5*time.Millisecond)
	proc.Emit("abcdefghijklmnopqrstuvwxy")
	require.Eventually(t, func() bool { return len(v.statuses()) >= 3 }, time.Second, 5*time.Millisecond)

	proc.Exit(0)
	require.Eventually(t, func() bool { return v.has(models.FrameExit) }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []models.SessionStatus{
		models.SessionConnecting,
		models.SessionThinking,
		models.SessionTyping,
		models.SessionExited,
	}, v.statuses())

	frames := v.snapshot()
	assert.Equal(t, models.FrameExit, frames[len(frames)-1].(models.ControlFrame).FrameType())

	s, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.True(t, s.Info().Exited)
	assert.Equal(t, "(thinking)abcdefghijklmnopqrstuvwxy", string(s.Output()), "buffer kept after exit")

	t.Run("late viewer gets replay and exit", func(t *testing.T) {
		late := newRecordingViewer("v2")
		require.NoError(t, f.registry.Attach(id, late))
		frames := late.snapshot()
		require.Len(t, frames, 3)
		assert.Equal(t, models.ReplayFrame{Data: []byte("(thinking)abcdefghijklmnopqrstuvwxy")}, frames[0])
		assert.Equal(t, models.StatusFrame{Value: models.SessionExited}, frames[1])
		code := frames[2].(models.ExitFrame).Code
		require.NotNil(t, code)
		assert.Equal(t, 0, *code)
	})
}

func TestSpawnFailureIsExitedSession(t *testing.T) {
	f := newRegistryFixture(t)
	f.spawner.ShouldFail = true

	id, err := f.registry.Start(context.Background(), StartRequest{
		Task: models.TaskRef{Repo: "web", ID: "task"}, Spec: "do X", WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	v := newRecordingViewer("v1")
	require.NoError(t, f.registry.Attach(id, v))

	frames := v.snapshot()
	require.Len(t, frames, 3)
	replay := frames[0].(models.ReplayFrame)
	assert.Contains(t, string(replay.Data), "failed to start agent")
	assert.Equal(t, []models.SessionStatus{models.SessionExited}, v.statuses())
	assert.True(t, v.has(models.FrameExit))
}

func TestAttachUnknownSession(t *testing.T) {
	f := newRegistryFixture(t)
	err := f.registry.Attach("nope", newRecordingViewer("v"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestWriteAndResize(t *testing.T) {
	f := newRegistryFixture(t)
	id, proc := f.start(t, "do X")

	require.NoError(t, f.registry.Write(context.Background(), id, []byte("y\r")))
	require.NoError(t, f.registry.Write(context.Background(), id, []byte("n\r")))
	assert.Equal(t, "y\rn\r", proc.Input())

	require.NoError(t, f.registry.Resize(id, 120, 40))
	cols, rows := proc.Size()
	assert.Equal(t, uint16(120), cols)
	assert.Equal(t, uint16(40), rows)
}

func TestResumeInteractive(t *testing.T) {
	var activity int32
	f := newRegistryFixture(t)
	f.registry.SetActivityHandler(func(string) { atomic.AddInt32(&activity, 1) })

	id, first := f.start(t, "do X")
	s, err := f.registry.Get(id)
	require.NoError(t, err)
	require.NoError(t, f.registry.Resize(id, 100, 30))

	first.Emit("done.")
	waitOutput(t, s, "done.")
	first.Exit(0)
	require.Eventually(t, func() bool { return s.Info().Exited }, time.Second, 5*time.Millisecond)

	v := newRecordingViewer("v1")
	require.NoError(t, f.registry.Attach(id, v))

	t.Run("live session is left alone", func(t *testing.T) {
		other, _ := f.start(t, "other")
		require.NoError(t, f.registry.ResumeInteractive(context.Background(), other))
		assert.Equal(t, 2, f.spawner.Count())
	})

	// typing into the exited session continues it
	require.NoError(t, f.registry.Write(context.Background(), id, []byte("more please\r")))
	assert.Equal(t, 3, f.spawner.Count())

	reqs := f.spawner.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, []string{"--continue", "--settings", filepath.Join(f.hooks.Dir(id), hooks.SettingsFile), "--verbose"}, last.Args)
	assert.Equal(t, uint16(100), last.Cols)
	assert.Equal(t, uint16(30), last.Rows)

	second := f.spawner.Last()
	assert.Equal(t, "more please\r", second.Input())
	assert.True(t, v.has(models.FrameResumed))

	info := s.Info()
	assert.False(t, info.Exited)
	assert.Equal(t, models.ModeContinue, info.Mode)
	assert.Equal(t, 1, info.Generation)

	second.Emit(" continued")
	waitOutput(t, s, "done. continued")

	// one activity signal per burst
	require.NoError(t, f.registry.Write(context.Background(), id, []byte("x")))
	require.NoError(t, f.registry.Write(context.Background(), id, []byte("y")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&activity) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&activity))
}

func TestStopClosesViewersAndCleansHooks(t *testing.T) {
	f := newRegistryFixture(t)
	id, proc := f.start(t, "do X")

	v := newRecordingViewer("v1")
	require.NoError(t, f.registry.Attach(id, v))

	require.NoError(t, f.registry.Stop(id))
	assert.True(t, proc.Killed())
	assert.True(t, v.isClosed())
	assert.True(t, v.has(models.FrameExit))
	assert.NoDirExists(t, f.hooks.Dir(id))

	_, err := f.registry.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.registry.Stop(id), ErrSessionNotFound)
}

func TestIdleTeardown(t *testing.T) {
	f := newRegistryFixture(t, func(o *RegistryOptions) { o.IdleTimeout = 30 * time.Millisecond })
	id, proc := f.start(t, "do X")

	v := newRecordingViewer("v1")
	require.NoError(t, f.registry.Attach(id, v))
	proc.Exit(0)
	require.Eventually(t, func() bool { return v.has(models.FrameExit) }, time.Second, 5*time.Millisecond)

	// still watched, so it stays
	time.Sleep(60 * time.Millisecond)
	_, err := f.registry.Get(id)
	require.NoError(t, err)

	f.registry.Detach(id, v)
	require.Eventually(t, func() bool {
		_, err := f.registry.Get(id)
		return errors.Is(err, ErrSessionNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.NoDirExists(t, f.hooks.Dir(id))
}

func TestFailingViewerIsDropped(t *testing.T) {
	f := newRegistryFixture(t)
	id, proc := f.start(t, "do X")

	bad := newRecordingViewer("bad")
	good := newRecordingViewer("good")
	require.NoError(t, f.registry.Attach(id, bad))
	require.NoError(t, f.registry.Attach(id, good))

	bad.mu.Lock()
	bad.failing = true
	bad.mu.Unlock()

	proc.Emit("hi")
	require.Eventually(t, func() bool { return good.binary() == "hi" }, time.Second, 5*time.Millisecond)
	assert.True(t, bad.isClosed())

	s, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Info().Viewers)
}

func TestAdopt(t *testing.T) {
	f := newRegistryFixture(t)
	s, err := f.registry.Adopt("old", models.TaskRef{Repo: "web", ID: "task"}, t.TempDir())
	require.NoError(t, err)
	assert.True(t, s.Info().Exited)

	again, err := f.registry.Adopt("old", models.TaskRef{Repo: "web", ID: "task"}, t.TempDir())
	require.NoError(t, err)
	assert.Same(t, s, again)

	require.NoError(t, f.registry.ResumeInteractive(context.Background(), "old"))
	assert.Equal(t, 1, f.spawner.Count())
	assert.Equal(t, "--continue", f.spawner.Requests()[0].Args[0])
}

func TestTickReportsWaiting(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newRegistryFixture(t, func(o *RegistryOptions) {
		o.QuietPeriod = time.Second
		o.Now = clock
	})
	id, proc := f.start(t, "do X")

	v := newRecordingViewer("v1")
	require.NoError(t, f.registry.Attach(id, v))
	proc.Emit("a long enough answer from the agent")
	require.Eventually(t, func() bool { return len(v.statuses()) == 2 }, time.Second, 5*time.Millisecond)

	f.registry.tick()
	assert.Len(t, v.statuses(), 2, "not quiet yet")

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	f.registry.tick()

	assert.Equal(t, []models.SessionStatus{models.SessionConnecting, models.SessionTyping, models.SessionWaiting}, v.statuses())
}
