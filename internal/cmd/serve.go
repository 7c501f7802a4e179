package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccui-dev/ccui/internal/config"
	"github.com/ccui-dev/ccui/internal/events"
	"github.com/ccui-dev/ccui/internal/handlers"
	"github.com/ccui-dev/ccui/internal/hooks"
	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/middleware"
	"github.com/ccui-dev/ccui/internal/recovery"
	"github.com/ccui-dev/ccui/internal/repos"
	"github.com/ccui-dev/ccui/internal/services"
	"github.com/ccui-dev/ccui/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Run the board and session server",
	Long: `# 🚀 Serve

**Start the HTTP and websocket server that owns every agent session.**

The server keeps tasks as markdown files under the data directory, spawns the
coding agent in a PTY when a task is handed over, and streams each session to
any number of terminals.

## ⚙️ Configuration

Settings come from **~/.ccui/config.yaml** and **CCUI_*** environment
variables. Set **CCUI_AUTH_SECRET** to require a token on every request.`,
	Example: `  # Start on the default port
  ccui serve

  # Use another data directory
  CCUI_DATA_DIR=/srv/ccui ccui serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Configure(logger.ParseLevel(cfg.LogLevel), cfg.Dev)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	return srv.run(ctx, ln)
}

// server is the wired object graph behind `ccui serve`.
type server struct {
	cfg        *config.Config
	store      *store.Store
	sessions   *services.SessionRegistry
	lifecycle  *services.TaskLifecycle
	reconciler *services.Reconciler
	deps       handlers.Deps
}

func newServer(cfg *config.Config) (*server, error) {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	repoRegistry, err := repos.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open repo registry: %w", err)
	}

	hub := events.NewHub()
	sessions := services.NewSessionRegistry(services.RegistryOptions{
		Hooks:             hooks.NewGenerator(cfg.HooksDir),
		AgentBinary:       cfg.AgentBinary,
		AgentArgs:         cfg.AgentArgs,
		ServerPort:        cfg.Port,
		ReplayBufferBytes: cfg.ReplayBufferBytes,
		IdleTimeout:       cfg.SessionIdleTimeout,
		QuietPeriod:       cfg.QuietPeriod,
		ActivityDebounce:  cfg.ActivityDebounce,
	})
	lifecycle, err := services.NewTaskLifecycle(st, repoRegistry, sessions, hub)
	if err != nil {
		return nil, err
	}

	return &server{
		cfg:        cfg,
		store:      st,
		sessions:   sessions,
		lifecycle:  lifecycle,
		reconciler: services.NewReconciler(sessions, lifecycle, cfg.ReconcileInterval, cfg.ReconcileGrace),
		deps: handlers.Deps{
			Repos:       repoRegistry,
			Store:       st,
			Sessions:    sessions,
			Lifecycle:   lifecycle,
			Hub:         hub,
			Auth:        middleware.FromEnv(),
			LogRequests: true,
		},
	}, nil
}

// run serves on ln until ctx is cancelled, then stops every session.
func (s *server) run(ctx context.Context, ln net.Listener) error {
	log := logger.Component("server")

	if err := s.store.Watch(ctx, s.lifecycle.ExternalEdit); err != nil {
		log.Warn().Err(err).Msg("⚠️ task file watcher disabled")
	}
	recovery.SafeGo("session-ticker", func() { s.sessions.Run(ctx) })
	recovery.SafeGo("reconciler", func() { s.reconciler.Run(ctx) })

	app := handlers.NewApp(s.deps)
	if s.deps.Auth == nil && !isLoopbackAddr(s.cfg.Host) {
		log.Warn().Str("addr", s.cfg.Addr()).Msgf("⚠️ listening without %s on a non-loopback address", middleware.SecretEnv)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listener(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Str("data_dir", s.cfg.DataDir).Msg("🚀 ccui server listening")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("🛑 shutting down")
	case serveErr = <-errCh:
	}

	s.sessions.Shutdown()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("⚠️ http shutdown incomplete")
	}
	if serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
		return serveErr
	}
	return nil
}

func isLoopbackAddr(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
