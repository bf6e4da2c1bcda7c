package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/server"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
	"github.com/TheMichaelB/sectionrepeat/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background worker",
	Long: `Serve starts the worker, accepts content script connections on /ws and
answers popup requests under /api.

If the worker cannot start, the server still runs and answers every
request with critical_initialization_failure.`,
	Example: `  sectionrepeat serve
  sectionrepeat serve --addr 127.0.0.1:9000 --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := transport.NewHub(cfg.Tabs, cfg.Server.AllowedOrigins, logger)
	defer func() { _ = hub.Close() }()
	hub.SetHandler(worker.DisabledHandler)
	srv := server.New(cfg.Server, worker.DisabledHandler, hub, logger)

	if configErr != nil {
		return serveDisabled(ctx, srv, fmt.Errorf("%w: %v", models.ErrConfigurationMissing, configErr))
	}

	w, err := worker.Open(ctx, cfg, hub, logger)
	if err != nil {
		return serveDisabled(ctx, srv, err)
	}
	defer func() {
		if err := w.Teardown(); err != nil {
			logger.WithError(err).Warn("Worker teardown failed")
		}
	}()

	reason, err := w.DetectReason(ctx)
	if err != nil {
		return serveDisabled(ctx, srv, fmt.Errorf("detect start reason: %w", err))
	}
	if err := w.Init(ctx, reason); err != nil {
		return serveDisabled(ctx, srv, err)
	}

	hub.SetHandler(w.Dispatch)
	hub.SetListener(w.Tabs)
	srv.SetDispatcher(w.Dispatch)
	watchConfig()

	if !jsonOutput {
		printSuccess("Worker ready (%s), listening on %s", reason, cfg.Server.Addr)
	}
	return srv.ListenAndServe(ctx)
}

// serveDisabled records the failure where the popup can see it and keeps
// the server up so clients get a definite answer.
func serveDisabled(ctx context.Context, srv *server.Server, cause error) error {
	logger.WithError(cause).Critical("Worker failed to start, serving disabled surface")

	if err := recordCritical(ctx); err != nil {
		logger.WithError(err).Error("Failed to record critical failure")
	}

	if !jsonOutput {
		printWarning("Worker disabled: %v", cause)
	}
	return srv.ListenAndServe(ctx)
}

func recordCritical(ctx context.Context) error {
	store, err := state.Open(ctx, cfg.Stores.Persistent, "local", logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return worker.RecordCriticalFailure(ctx, store)
}

func watchConfig() {
	if loader == nil || loader.ConfigFileUsed() == "" {
		return
	}
	err := loader.Watch(func(c *config.Config) {
		logger.SetLevel(events.ParseLevel(c.Log.Level))
		logger.WithField("level", c.Log.Level).Info("Config reloaded")
	}, func(err error) {
		logger.WithError(err).Warn("Ignoring invalid config change")
	})
	if err != nil {
		logger.WithError(err).Debug("Config watch disabled")
	}
}
