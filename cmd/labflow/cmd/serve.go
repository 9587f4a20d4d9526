package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trellis-data/labflow/internal/adapters/state"
	"github.com/trellis-data/labflow/internal/config"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow websocket server",
	Long: `Start the orchestrator. Clients connect to /ws/workflow?sequence_id=<id>
and send one JSON message per turn; progress is streamed back as events.

The server also exposes read-only sequence endpoints under /api/v1 and,
when enabled, Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("closing resources", "error", err)
		}
	}()

	loader.Watch(func(next *config.Config) {
		logger.SetLevel(next.Log.Level)
		a.resolver.SetDefault(next.Context.Default())
		logger.Info("configuration reloaded", "file", loader.ConfigFile())
	}, func(err error) {
		logger.Warn("ignoring configuration change", "error", err)
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	shutdown := config.Duration(cfg.Server.ShutdownTimeout, 15*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", addr, "version", appVersion)
		return a.server.ListenAndServe(gctx, addr, shutdown)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if sqlite, ok := a.state.(*state.SQLiteStore); ok && cfg.State.Backend != state.BackendMemory {
		backupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sqlite.Backup(backupCtx); err != nil {
			logger.Warn("state backup failed", "error", err)
		} else {
			logger.Info("state backed up")
		}
	}
	logger.Info("server stopped")
	return nil
}
