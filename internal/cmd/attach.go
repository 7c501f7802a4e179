package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/middleware"
	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/recovery"
	"github.com/ccui-dev/ccui/internal/termclient"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

const sizePollInterval = 500 * time.Millisecond

var (
	attachServer string
	attachQuiet  bool
	attachResume bool
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "🖥️  Attach this terminal to a running session",
	Long: `# 🖥️ Attach

**Stream a session's terminal here and type into it.**

The connection is retried with exponential backoff until the session ends.
Typing into a session whose agent has exited continues it interactively.

Press **Ctrl-]** to detach.`,
	Example: `  # Attach to a session on the local server
  ccui attach 2b7c9e4a-...

  # Continue a finished session right away
  ccui attach --resume 2b7c9e4a-...

  # Attach to a remote server
  CCUI_AUTH_SECRET=... ccui attach --server https://box:6789 2b7c9e4a-...`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachServer, "server", "", "server URL (default http://127.0.0.1:<port>)")
	attachCmd.Flags().BoolVarP(&attachQuiet, "quiet", "q", false, "don't print status changes")
	attachCmd.Flags().BoolVar(&attachResume, "resume", false, "continue the session if its agent has exited")
	rootCmd.AddCommand(attachCmd)
}

var statusStyle = lipgloss.NewStyle().Faint(true)

func runAttach(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	server := attachServer
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}
	// the terminal belongs to the session now; only errors go to stderr
	logger.Configure(logger.LevelError, false)

	header := http.Header{}
	if secret := os.Getenv(middleware.SecretEnv); secret != "" {
		token, err := middleware.GenerateToken(secret, "cli", 24*time.Hour)
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	stdinFd := int(os.Stdin.Fd())
	stdoutFd := int(os.Stdout.Fd())
	if term.IsTerminal(stdinFd) {
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdinFd, state) }()
	}

	size := func() (uint16, uint16) {
		cols, rows, err := term.GetSize(stdoutFd)
		if err != nil || cols <= 0 || rows <= 0 {
			return 80, 24
		}
		return uint16(cols), uint16(rows)
	}
	out := &termclient.StreamTerminal{W: os.Stdout, SizeFunc: size}

	var lastStatus models.SessionStatus
	sock, err := termclient.NewSocket(termclient.Options{
		URL:       server,
		SessionID: sessionID,
		Terminal:  out,
		Header:    header,
		Resume:    attachResume,
		OnStatus: func(s models.SessionStatus) {
			if attachQuiet || s == lastStatus {
				return
			}
			lastStatus = s
			if s == models.SessionConnecting || s == models.SessionDisconnected {
				_, _ = fmt.Fprintf(os.Stderr, "\r\n%s\r\n", statusStyle.Render("["+string(s)+"]"))
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recovery.SafeGo("attach-stdin", func() { pumpStdin(ctx, cancel, sock) })
	recovery.SafeGo("attach-resize", func() { watchSize(ctx, sock, size) })

	err = sock.Run(ctx)
	if errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprint(os.Stdout, "\r\n")
		return nil
	}
	return err
}

// pumpStdin forwards keystrokes until the detach key or EOF.
func pumpStdin(ctx context.Context, detach context.CancelFunc, sock *termclient.Socket) {
	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, detachKey); i >= 0 {
				if i > 0 {
					_ = sock.SendInput(data[:i])
				}
				detach()
				return
			}
			// typed while disconnected: dropped
			_ = sock.SendInput(append([]byte(nil), data...))
		}
		if err != nil {
			detach()
			return
		}
	}
}

// watchSize polls for terminal size changes; windows has no SIGWINCH.
func watchSize(ctx context.Context, sock *termclient.Socket, size func() (uint16, uint16)) {
	ticker := time.NewTicker(sizePollInterval)
	defer ticker.Stop()

	lastCols, lastRows := size()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cols, rows := size()
			if cols == lastCols && rows == lastRows {
				continue
			}
			if err := sock.SendResize(cols, rows); err == nil {
				lastCols, lastRows = cols, rows
			}
		}
	}
}
