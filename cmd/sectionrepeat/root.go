package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
	"github.com/TheMichaelB/sectionrepeat/internal/worker"
)

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool

	loader *config.Loader
	cfg    *config.Config
	logger *events.Logger

	// configErr is kept for serve, which starts disabled instead of exiting.
	configErr error

	printer = message.NewPrinter(language.English)
)

var rootCmd = &cobra.Command{
	Use:   "sectionrepeat",
	Short: "Background worker for the section repeat extension",
	Long: `sectionrepeat hosts the extension's background worker: the tab state
queue, section storage with quota eviction, metadata reconciliation and
salt setup. Content scripts connect over websocket; the popup uses the
HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader = config.NewLoader(cfgFile)
		loaded, err := loader.Load()
		if err != nil {
			configErr = err
			loaded = config.DefaultConfig()
		}
		cfg = loaded

		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if jsonOutput {
			cfg.Log.Format = "json"
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("create directories: %w", err)
		}

		logger, err = events.NewLogger(&cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}

		if configErr != nil && cmd.Name() != serveCmd.Name() && cmd.Name() != configInitCmd.Name() {
			printError("Configuration error: %v", configErr)
			return configErr
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default searches ./, ~/.config/sectionrepeat, ~/.sectionrepeat)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level override (debug, info, warn, error, critical)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON")
}

// openHeadless builds a worker with no connected tabs for one-shot commands.
func openHeadless(ctx context.Context) (*worker.Worker, error) {
	w, err := worker.Open(ctx, cfg, transport.NoTabs{}, logger)
	if err != nil {
		return nil, fmt.Errorf("open worker: %w", err)
	}
	return w, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printError(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
}

func printWarning(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printSuccess(format string, args ...any) {
	color.New(color.FgGreen).Printf(format+"\n", args...)
}

// formatBytes renders n with thousands separators and a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return printer.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return printer.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
