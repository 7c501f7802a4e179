package services

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// SpawnRequest describes one agent process.
type SpawnRequest struct {
	SessionID string
	Binary    string
	Args      []string
	Dir       string
	Env       []string
	Cols      uint16
	Rows      uint16
}

// Process is a running agent attached to a terminal. Read returns its
// output and fails once the terminal is gone; Write feeds its stdin.
type Process interface {
	io.ReadWriter
	Resize(cols, rows uint16) error
	// Wait reaps the process and returns its exit code.
	Wait() (int, error)
	Kill() error
	Close() error
	Pid() int
}

// Spawner starts agent processes.
type Spawner interface {
	Spawn(req SpawnRequest) (Process, error)
}

// PTYSpawner runs the agent inside a pseudo terminal.
type PTYSpawner struct{}

func (PTYSpawner) Spawn(req SpawnRequest) (Process, error) {
	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		fmt.Sprintf("CCUI_SESSION_ID=%s", req.SessionID),
	)
	cmd.Env = append(cmd.Env, req.Env...)

	size := &pty.Winsize{Cols: req.Cols, Rows: req.Rows}
	if size.Cols == 0 || size.Rows == 0 {
		size.Cols, size.Rows = 80, 24
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Binary, err)
	}
	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	closeOnce sync.Once
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	return p.ptmx.Read(b)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.ptmx.Close() })
	return err
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
