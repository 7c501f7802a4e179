// Package termclient connects a local terminal to a session's /ws/terminal
// stream and keeps it connected.
package termclient

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
)

// clearScreen erases the display and homes the cursor.
const clearScreen = "\x1b[2J\x1b[H"

// Terminal is what the socket draws into.
type Terminal interface {
	Write(p []byte) (int, error)
	Clear()
	Size() (cols, rows uint16)
}

// ScreenTerminal is a headless terminal backed by a vt10x emulator. It is
// used when the output has to be inspected rather than shown.
type ScreenTerminal struct {
	mu   sync.Mutex
	vt   vt10x.Terminal
	cols int
	rows int
}

func NewScreenTerminal(cols, rows int) *ScreenTerminal {
	return &ScreenTerminal{
		vt:   vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

func (t *ScreenTerminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vt.Write(p)
}

func (t *ScreenTerminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.vt.Write([]byte(clearScreen))
}

func (t *ScreenTerminal) Size() (uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint16(t.cols), uint16(t.rows)
}

func (t *ScreenTerminal) Resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols, t.rows = cols, rows
	t.vt.Resize(cols, rows)
}

// Render returns the visible screen as plain text without trailing blank lines.
func (t *ScreenTerminal) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.vt.Lock()
	defer t.vt.Unlock()

	var buf bytes.Buffer
	for row := 0; row < t.rows; row++ {
		if row > 0 {
			buf.WriteString("\n")
		}
		var line strings.Builder
		for col := 0; col < t.cols; col++ {
			cell := t.vt.Cell(col, row)
			if cell.Char == 0 {
				line.WriteRune(' ')
			} else {
				line.WriteRune(cell.Char)
			}
		}
		buf.WriteString(strings.TrimRight(line.String(), " "))
	}
	return strings.TrimRight(buf.String(), "\n")
}

// StreamTerminal writes to a real terminal such as stdout.
type StreamTerminal struct {
	W io.Writer
	// SizeFunc reports the current size; nil means 80x24.
	SizeFunc func() (cols, rows uint16)
}

func (t *StreamTerminal) Write(p []byte) (int, error) {
	return t.W.Write(p)
}

func (t *StreamTerminal) Clear() {
	_, _ = io.WriteString(t.W, clearScreen)
}

func (t *StreamTerminal) Size() (uint16, uint16) {
	if t.SizeFunc == nil {
		return 80, 24
	}
	return t.SizeFunc()
}
