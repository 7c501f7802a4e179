package termstatus

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/ccui-dev/ccui/internal/models"
)

// maxPending bounds a held back escape sequence; longer ones are dropped.
const maxPending = 4096

// Classifier turns a stream of output chunks into session statuses. It is
// not safe for concurrent use; sessions call it under their own lock.
type Classifier struct {
	quiet time.Duration
	now   func() time.Time

	status     models.SessionStatus
	printable  int // since the last thinking cue
	lastOutput time.Time

	// pending is an escape sequence cut off at the end of the last chunk.
	pending []byte
	// tail is the end of the last chunk's text, too short to hold a cue.
	tail string
}

func NewClassifier(quietPeriod time.Duration) *Classifier {
	return &Classifier{
		quiet:  quietPeriod,
		now:    time.Now,
		status: models.SessionConnecting,
	}
}

// SetClock replaces the time source used for the quiet period.
func (c *Classifier) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Classifier) Status() models.SessionStatus {
	return c.status
}

// Feed classifies one chunk of raw PTY output and reports the status after
// it, plus whether that differs from before.
func (c *Classifier) Feed(chunk []byte) (models.SessionStatus, bool) {
	if c.status == models.SessionExited {
		return c.status, false
	}
	text := c.strip(chunk)
	c.lastOutput = c.now()

	hint := Classify(text)
	if hint != HintThinking && straddlesCue(c.tail, text) {
		hint = HintThinking
	}
	c.tail = keepTail(c.tail+text, len(ThinkingMarker)-1)

	next := c.status
	switch hint {
	case HintThinking:
		c.printable = 0
		next = models.SessionThinking
	case HintTyping:
		c.printable += CountPrintable(text)
		next = models.SessionTyping
	default:
		c.printable += CountPrintable(text)
		if c.printable >= TypingThreshold {
			next = models.SessionTyping
		}
	}
	return c.set(next)
}

// strip drops escape sequences from chunk, holding back one that is not
// complete yet.
func (c *Classifier) strip(chunk []byte) string {
	data := chunk
	if len(c.pending) > 0 {
		data = append(c.pending, chunk...)
		c.pending = nil
	}

	var text strings.Builder
	for len(data) > 0 {
		seq, width, n, state := ansi.DecodeSequence(data, ansi.NormalState, nil)
		if state != ansi.NormalState {
			if len(seq) <= maxPending {
				c.pending = append([]byte(nil), seq...)
			}
			break
		}
		if n == 0 {
			n = 1
		}
		// printable text and C0 controls such as \r survive
		if width > 0 || (len(seq) == 1 && seq[0] < ' ') {
			text.Write(seq)
		}
		data = data[n:]
	}
	return text.String()
}

// straddlesCue reports a thinking cue split between the previous chunk's
// tail and text.
func straddlesCue(tail, text string) bool {
	if tail == "" || text == "" {
		return false
	}
	if strings.HasSuffix(tail, "\r") {
		if r, _ := utf8.DecodeRuneInString(text); r != utf8.RuneError && strings.ContainsRune(SpinnerGlyphs, r) {
			return true
		}
	}
	return strings.Contains(tail+text[:min(len(text), len(ThinkingMarker)-1)], ThinkingMarker)
}

func keepTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Tick reports waiting once the agent has typed and then gone quiet.
func (c *Classifier) Tick() (models.SessionStatus, bool) {
	if c.status != models.SessionTyping || c.quiet <= 0 {
		return c.status, false
	}
	if c.now().Sub(c.lastOutput) < c.quiet {
		return c.status, false
	}
	c.printable = 0
	return c.set(models.SessionWaiting)
}

// Exited pins the status until Reset.
func (c *Classifier) Exited() (models.SessionStatus, bool) {
	return c.set(models.SessionExited)
}

// Reset starts over for a new process on the same session.
func (c *Classifier) Reset() {
	c.status = models.SessionConnecting
	c.printable = 0
	c.lastOutput = time.Time{}
	c.pending = nil
	c.tail = ""
}

func (c *Classifier) set(next models.SessionStatus) (models.SessionStatus, bool) {
	if next == c.status {
		return c.status, false
	}
	c.status = next
	return next, true
}
