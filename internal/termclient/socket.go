package termclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// ErrNotConnected is returned by sends while the socket is down. The input is
// dropped, not queued.
var ErrNotConnected = errors.New("terminal socket not connected")

// NoticeKind tells a NoticeFunc what it is formatting.
type NoticeKind int

const (
	NoticeEnded NoticeKind = iota
	NoticeError
	NoticeResumed
	NoticeReconnecting
)

// NoticeFunc renders a locally generated line for the terminal.
type NoticeFunc func(kind NoticeKind, text string) string

var (
	noticeStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	resumedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	endedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	separatorRule = strings.Repeat("─", 8)
)

// DefaultNotice styles notices with lipgloss.
func DefaultNotice(kind NoticeKind, text string) string {
	var line string
	switch kind {
	case NoticeEnded:
		line = endedStyle.Render("■ " + text)
	case NoticeError:
		line = errorStyle.Render("✗ " + text)
	case NoticeResumed:
		line = resumedStyle.Render(separatorRule + " " + text + " " + separatorRule)
	default:
		line = noticeStyle.Render("… " + text)
	}
	return "\r\n" + line + "\r\n"
}

// Options configures a Socket.
type Options struct {
	// URL is the server base URL, e.g. http://127.0.0.1:6789.
	URL       string
	SessionID string
	Terminal  Terminal
	// OnStatus receives connecting, disconnected, exited and every status
	// frame. It runs on the Run goroutine.
	OnStatus func(models.SessionStatus)

	BaseDelay time.Duration
	MaxDelay  time.Duration

	Dialer *websocket.Dialer
	Header http.Header
	Notice NoticeFunc

	// Resume continues an exited session once the first connection is open.
	Resume bool
}

// Socket is a reconnecting client of /ws/terminal.
type Socket struct {
	opts Options
	url  string
	log  zerolog.Logger

	// after is the backoff timer.
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	resumed bool
}

func NewSocket(opts Options) (*Socket, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if opts.Terminal == nil {
		return nil, errors.New("terminal is required")
	}
	wsURL, err := TerminalURL(opts.URL, opts.SessionID)
	if err != nil {
		return nil, err
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Notice == nil {
		opts.Notice = DefaultNotice
	}
	if opts.OnStatus == nil {
		opts.OnStatus = func(models.SessionStatus) {}
	}
	return &Socket{
		opts:  opts,
		url:   wsURL,
		log:   logger.ForSession(opts.SessionID).With().Str("component", "termclient").Logger(),
		after: time.After,
	}, nil
}

// TerminalURL turns a server base URL into the terminal websocket URL.
func TerminalURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q", base)
	}
	u.Path = "/ws/terminal"
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NextDelay is the wait before reconnect attempt n (1-based):
// min(base*2^(n-1), max).
func NextDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Run connects and keeps reconnecting until the session sends a clean exit
// and the connection closes, or ctx is cancelled.
func (s *Socket) Run(ctx context.Context) error {
	failures := 0
	for {
		s.opts.OnStatus(models.SessionConnecting)
		conn, _, err := s.opts.Dialer.DialContext(ctx, s.url, s.opts.Header)
		if err == nil {
			failures = 0
			if exited := s.serve(ctx, conn); exited {
				return nil
			}
		} else {
			s.log.Debug().Err(err).Msg("dial failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.opts.OnStatus(models.SessionDisconnected)
		failures++
		delay := NextDelay(failures, s.opts.BaseDelay, s.opts.MaxDelay)
		s.notice(NoticeReconnecting, fmt.Sprintf("connection lost, reconnecting in %s", delay.Round(time.Millisecond)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(delay):
		}
	}
}

// serve runs one connection and reports whether the session had exited
// cleanly when it closed.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) bool {
	closed := make(chan struct{})
	defer func() {
		close(closed)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closed:
		}
	}()

	// the size is the first frame; senders only see the connection after it
	cols, rows := s.opts.Terminal.Size()
	resize, err := models.EncodeControlFrame(models.ResizeFrame{Cols: cols, Rows: rows})
	if err == nil {
		err = s.write(conn, websocket.TextMessage, resize)
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("initial resize failed")
		return false
	}

	s.mu.Lock()
	s.conn = conn
	resume := s.opts.Resume && !s.resumed
	s.resumed = true
	s.mu.Unlock()

	if resume {
		if err := s.SendResume(); err != nil {
			s.log.Debug().Err(err).Msg("resume request failed")
		}
	}

	exited := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Bool("exited", exited).Msg("connection closed")
			return exited
		}

		switch messageType {
		case websocket.BinaryMessage:
			_, _ = s.opts.Terminal.Write(data)
		case websocket.TextMessage:
			exited = s.dispatch(data, exited)
		}
	}
}

// dispatch applies one control frame and returns the updated exit state.
func (s *Socket) dispatch(data []byte, exited bool) bool {
	frame, err := models.DecodeControlFrame(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("ignoring frame")
		return exited
	}

	switch f := frame.(type) {
	case models.ReplayFrame:
		s.opts.Terminal.Clear()
		_, _ = s.opts.Terminal.Write(f.Data)
	case models.StatusFrame:
		s.opts.OnStatus(f.Value)
	case models.ExitFrame:
		s.opts.OnStatus(models.SessionExited)
		msg := "session ended"
		if f.Code != nil {
			msg = fmt.Sprintf("session ended (exit code %d)", *f.Code)
		}
		s.notice(NoticeEnded, msg)
		return true
	case models.ErrorFrame:
		s.notice(NoticeError, f.Message)
	case models.ResumedFrame:
		s.notice(NoticeResumed, "session resumed")
		return false
	}
	return exited
}

func (s *Socket) notice(kind NoticeKind, text string) {
	_, _ = s.opts.Terminal.Write([]byte(s.opts.Notice(kind, text)))
}

// Connected reports whether a connection is open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SendInput sends keystrokes. Input typed while disconnected is dropped.
func (s *Socket) SendInput(data []byte) error {
	return s.send(websocket.BinaryMessage, data)
}

// SendResize reports a new terminal size.
func (s *Socket) SendResize(cols, rows uint16) error {
	data, err := models.EncodeControlFrame(models.ResizeFrame{Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return s.send(websocket.TextMessage, data)
}

// SendResume asks the server to continue an exited session.
func (s *Socket) SendResume() error {
	data, err := models.EncodeControlFrame(models.ResumeFrame{})
	if err != nil {
		return err
	}
	return s.send(websocket.TextMessage, data)
}

func (s *Socket) send(messageType int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	return s.write(conn, messageType, data)
}

func (s *Socket) write(conn *websocket.Conn, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}
