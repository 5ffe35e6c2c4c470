package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/distill/internal/server"
	"github.com/spf13/cobra"
)

var (
	servePort          int
	serveDrainTimeout  time.Duration
	serveMaxUploadSize int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background executor",
	Long: `Run the HTTP API. Submissions are processed by the background executor
and progress is streamed to WebSocket subscribers on /events?owner=<id>.

On SIGINT/SIGTERM the server stops accepting requests, queued work is
drained for up to --drain-timeout and remaining runs are cancelled.

Examples:
  distill serve
  DISTILL_STORE=memory distill serve --port 9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default DISTILL_PORT)")
	serveCmd.Flags().DurationVar(&serveDrainTimeout, "drain-timeout", 30*time.Second, "how long shutdown waits for queued work")
	serveCmd.Flags().Int64Var(&serveMaxUploadSize, "max-upload", server.DefaultMaxUploadBytes, "maximum upload size in bytes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := newApp(initCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}

	a.exec.Start()

	srv := server.New(a.ingest, a.exec, a.events,
		server.WithMetrics(a.metrics),
		server.WithHealth(a.health),
		server.WithLogger(logger),
		server.WithMaxUploadBytes(serveMaxUploadSize))

	port := cfg.ServerPort
	if servePort > 0 {
		port = servePort
	}
	logger.Info("starting distill server", "port", port, "version", Version)
	serveErr := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port))

	drainCtx, cancel := context.WithTimeout(context.Background(), serveDrainTimeout)
	defer cancel()
	if err := a.exec.Shutdown(drainCtx); err != nil {
		logger.Warn("executor did not drain in time", "error", err)
	}
	a.close(context.Background())

	logger.Info("server stopped")
	return serveErr
}
