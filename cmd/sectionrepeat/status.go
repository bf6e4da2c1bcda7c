package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
	"github.com/TheMichaelB/sectionrepeat/internal/worker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage usage and setup state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Storage     models.StorageInfo `json:"storage"`
	Videos      int                `json:"videos"`
	Pending     int                `json:"pending"`
	SyncEnabled bool               `json:"sync_enabled"`
	HasSalt     bool               `json:"has_salt"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	w, err := openHeadless(ctx)
	if err != nil {
		return err
	}
	defer w.Teardown()

	report, err := collectStatus(ctx, w)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(report)
		return nil
	}
	fmt.Println(renderStatus(report, terminalWidth()))
	return nil
}

func collectStatus(ctx context.Context, w *worker.Worker) (statusReport, error) {
	var report statusReport

	info, err := w.Eviction.StorageInfo(ctx)
	if err != nil {
		return report, fmt.Errorf("storage info: %w", err)
	}
	report.Storage = info

	idx, err := w.Metadata.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("load metadata: %w", err)
	}
	report.Videos = len(idx)

	if report.Pending, err = w.Pending.Count(ctx); err != nil {
		return report, fmt.Errorf("count pending writes: %w", err)
	}
	if _, err := state.GetJSON(ctx, w.Persistent, models.SyncEnabledKey, &report.SyncEnabled); err != nil {
		return report, fmt.Errorf("read sync flag: %w", err)
	}
	_, report.HasSalt, err = w.Setup.UserSalt(ctx)
	if err != nil {
		return report, fmt.Errorf("read salt: %w", err)
	}
	return report, nil
}

func renderStatus(r statusReport, width int) string {
	s := r.Storage
	usageStyle := okStyle
	switch {
	case float64(s.Percent) > cfg.Storage.CriticalRatio*100:
		usageStyle = errorStyle
	case float64(s.Percent) > cfg.Storage.WarningRatio*100:
		usageStyle = warnStyle
	}

	lines := []string{
		titleStyle.Render("Section Repeat"),
		"",
		fmt.Sprintf("Storage   %s  %s",
			usageStyle.Render(fmt.Sprintf("%d%%", s.Percent)),
			mutedStyle.Render(fmt.Sprintf("%s of %s", formatBytes(s.Used), formatBytes(s.Max)))),
		printer.Sprintf("Videos    %d", r.Videos),
		printer.Sprintf("Pending   %d", r.Pending),
		fmt.Sprintf("Sync      %s", yesNo(r.SyncEnabled)),
		fmt.Sprintf("Salt      %s", yesNo(r.HasSalt)),
	}

	if s.SetupFailed {
		msg := "setup failed"
		if s.SetupErrorType != nil {
			msg += " (" + *s.SetupErrorType + ")"
		}
		if s.SetupErrorMessage != nil {
			msg += ": " + *s.SetupErrorMessage
		}
		lines = append(lines, "", errorStyle.Render(msg))
	}
	if s.CriticalFailure {
		lines = append(lines, "", errorStyle.Render("worker failed to initialize"))
	}

	panel := panelStyle
	if width > 0 {
		panel = panel.Width(min(width-2, 60))
	}
	return panel.Render(strings.Join(lines, "\n"))
}

func yesNo(b bool) string {
	if b {
		return okStyle.Render("yes")
	}
	return mutedStyle.Render("no")
}

func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}
