package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge stored sections down to the user target",
	Long: `Purge removes expired, excess and then largest section lists until
usage is at or below the user purge target, then replays pending writes.`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Make the metadata index and stored sections agree",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queued tasks and tab states",
	Long: `Queue prints the outstanding task list and the tab state map. Both live
in the session store, so this is only useful when stores.session points at
a shared backend.`,
	Args: cobra.NoArgs,
	RunE: runQueue,
}

func init() {
	rootCmd.AddCommand(purgeCmd, reconcileCmd, queueCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	w, err := openHeadless(ctx)
	if err != nil {
		return err
	}
	defer w.Teardown()

	before, _, err := w.Eviction.Usage(ctx)
	if err != nil {
		return fmt.Errorf("measure storage: %w", err)
	}
	ok := w.Eviction.Purge(ctx, true)
	after, pct, err := w.Eviction.Usage(ctx)
	if err != nil {
		return fmt.Errorf("measure storage: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]any{
			"success":      ok,
			"bytes_before": before,
			"bytes_after":  after,
			"percent":      pct,
		})
	}
	if !ok {
		if !jsonOutput {
			printError("Purge failed; a retry is scheduled the next time the worker runs")
		}
		return fmt.Errorf("purge failed")
	}
	if !jsonOutput {
		printSuccess("Purged %s, usage now %s (%d%%)", formatBytes(before-after), formatBytes(after), pct)
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	w, err := openHeadless(ctx)
	if err != nil {
		return err
	}
	defer w.Teardown()

	report, err := w.Metadata.Reconcile(ctx)
	if err != nil {
		if !jsonOutput {
			printError("Reconciliation failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]any{
			"success":       true,
			"stale_entries": report.StaleEntries,
			"orphans":       report.Orphans,
		})
		return nil
	}
	if !report.Changed() {
		printSuccess("Metadata and storage are in sync")
		return nil
	}
	printWarning("Dropped %d stale index entries, removed %d orphaned lists",
		len(report.StaleEntries), len(report.Orphans))
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	w, err := openHeadless(ctx)
	if err != nil {
		return err
	}
	defer w.Teardown()

	tasks, states, err := w.Queue.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]any{"tasks": tasks, "tab_states": states})
		return nil
	}

	fmt.Println(titleStyle.Render(printer.Sprintf("Tasks (%d)", len(tasks))))
	for _, t := range tasks {
		fmt.Printf("  %-24s tab=%d retries=%d\n", t.Type, t.Payload.TabID, t.Retries)
	}

	ids, err := states.TabIDs()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(printer.Sprintf("Tabs (%d)", len(ids))))
	for _, id := range ids {
		st, _ := states.Get(id)
		fmt.Printf("  %-6d %s\n", id, describeTab(st))
	}
	return nil
}

func describeTab(st models.TabState) string {
	switch {
	case st.Status == models.StatusInitializing:
		return mutedStyle.Render("initializing")
	case st.Repeating:
		desc := "repeating " + st.VideoID
		if st.IsFocusMode {
			desc += " (focus)"
		}
		return okStyle.Render(desc)
	default:
		return "idle"
	}
}
