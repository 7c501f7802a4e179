package services

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// MockProcess is an in-memory Process for tests. Output written with Emit
// is read by the session; Exit ends it.
type MockProcess struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	input  bytes.Buffer
	cols   uint16
	rows   uint16
	killed bool

	exitOnce sync.Once
	done     chan struct{}
	code     int
}

func NewMockProcess() *MockProcess {
	r, w := io.Pipe()
	return &MockProcess{outR: r, outW: w, done: make(chan struct{})}
}

// Emit makes the process print s. It returns once the session has read it.
func (p *MockProcess) Emit(s string) {
	_, _ = p.outW.Write([]byte(s))
}

// Exit ends the process with code.
func (p *MockProcess) Exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		_ = p.outW.Close()
		close(p.done)
	})
}

// Input returns everything written to the process.
func (p *MockProcess) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Size returns the last terminal size set.
func (p *MockProcess) Size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *MockProcess) Read(b []byte) (int, error) {
	return p.outR.Read(b)
}

func (p *MockProcess) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, errors.New("process exited")
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *MockProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *MockProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(-1)
	return nil
}

func (p *MockProcess) Close() error {
	return p.outR.Close()
}

func (p *MockProcess) Pid() int {
	return 4242
}

// MockSpawner hands out MockProcesses and records every request.
type MockSpawner struct {
	// ShouldFail makes every Spawn return FailureError.
	ShouldFail   bool
	FailureError error
	// OnSpawn runs after each successful spawn.
	OnSpawn func(req SpawnRequest)

	mu        sync.Mutex
	requests  []SpawnRequest
	processes []*MockProcess
}

func NewMockSpawner() *MockSpawner {
	return &MockSpawner{}
}

func (m *MockSpawner) Spawn(req SpawnRequest) (Process, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.ShouldFail {
		m.mu.Unlock()
		if m.FailureError != nil {
			return nil, m.FailureError
		}
		return nil, errors.New("exec: \"claude\": executable file not found in $PATH")
	}
	p := NewMockProcess()
	m.processes = append(m.processes, p)
	onSpawn := m.OnSpawn
	m.mu.Unlock()

	if onSpawn != nil {
		onSpawn(req)
	}
	return p, nil
}

// Requests returns a copy of the spawn requests so far.
func (m *MockSpawner) Requests() []SpawnRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SpawnRequest(nil), m.requests...)
}

// Last returns the most recently spawned process.
func (m *MockSpawner) Last() *MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.processes) == 0 {
		return nil
	}
	return m.processes[len(m.processes)-1]
}

// Count is the number of processes spawned.
func (m *MockSpawner) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}
