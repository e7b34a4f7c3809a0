package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/masahif/grimoire/internal/pipeline"
	"github.com/masahif/grimoire/internal/storage"
)

var submitCmd = &cobra.Command{
	Use:   "submit <url>...",
	Short: "Register URLs and run them through the pipeline",
	Long: `Register each URL as a page and run download, summarize and vectorize.
A URL that is already registered is reported and left untouched.
The command waits until every accepted page finished or failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <page-id>",
	Short: "Show the status of a page",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pages, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	submitCmd.Flags().StringP("memo", "m", "", "Memo stored with every submitted page")

	listCmd.Flags().String("status", "", "Only show pages with this status: processing, completed or failed")
	listCmd.Flags().IntP("limit", "n", 20, "Maximum number of pages to show")
	listCmd.Flags().Int("offset", 0, "Number of matching pages to skip")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	memo, _ := cmd.Flags().GetString("memo")

	a, err := newApp(modeRun)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var accepted []int64
	for _, raw := range args {
		res, err := a.pipeline.Orchestrator.Submit(ctx, raw, memo)
		if err != nil {
			fmt.Fprintf(out, "%s\terror: %v\n", raw, err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\tpage %d\n", raw, res.Outcome, res.PageID)
		if res.Outcome == pipeline.OutcomeAccepted {
			accepted = append(accepted, res.PageID)
		}
	}

	if len(accepted) == 0 {
		return nil
	}
	if !waitForRuns(ctx, a.pipeline.Orchestrator) {
		slog.Warn("Interrupted, stopping in-flight pages")
		return ctx.Err()
	}

	for _, id := range accepted {
		ps, err := a.pipeline.Status.Status(ctx, id)
		if err != nil {
			return err
		}
		printStatus(out, ps)
	}
	return nil
}

// waitForRuns blocks until background runs finish; false means ctx ended first
func waitForRuns(ctx context.Context, o *pipeline.Orchestrator) bool {
	done := make(chan struct{})
	go func() {
		o.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := parsePageID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(modeRead)
	if err != nil {
		return err
	}
	defer a.close()

	ps, err := a.pipeline.Status.Status(cmd.Context(), id)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), ps)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	rawStatus, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter, err := pipeline.ParseStatus(rawStatus)
	if err != nil {
		return fmt.Errorf("%w: %q", err, rawStatus)
	}

	a, err := newApp(modeRead)
	if err != nil {
		return err
	}
	defer a.close()

	pages, err := a.pipeline.Status.List(cmd.Context(), filter, pipeline.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return err
	}

	total, err := totalPages(cmd.Context(), a.store)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTEP\tTITLE\tURL")
	for _, ps := range pages {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ps.Page.ID, ps.Status, ps.Page.LastSuccessStep, shorten(ps.Page.Title, 40), ps.Page.URL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d pages shown\n", len(pages), total)
	return nil
}

// totalPages sums the per-step page counts of the store
func totalPages(ctx context.Context, store *storage.SQLiteStorage) (int, error) {
	counts, err := store.CountPages(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

func printStatus(w io.Writer, ps *pipeline.PageStatus) {
	p := ps.Page
	fmt.Fprintf(w, "Page %d: %s\n", p.ID, ps.Status)
	fmt.Fprintf(w, "  URL:       %s\n", p.URL)
	fmt.Fprintf(w, "  Title:     %s\n", p.Title)
	fmt.Fprintf(w, "  Last step: %s\n", p.LastSuccessStep)
	if p.Memo != "" {
		fmt.Fprintf(w, "  Memo:      %s\n", p.Memo)
	}
	if len(p.Keywords) > 0 {
		fmt.Fprintf(w, "  Keywords:  %s\n", strings.Join(p.Keywords, ", "))
	}
	if p.Summary != "" {
		fmt.Fprintf(w, "  Summary:   %s\n", p.Summary)
	}
	if ps.LatestLog != nil {
		fmt.Fprintf(w, "  Attempt:   %s (log %d)\n", ps.LatestLog.Status, ps.LatestLog.ID)
	}
	if ps.LastError != "" {
		fmt.Fprintf(w, "  Error:     %s\n", ps.LastError)
	}
	if ps.Running {
		fmt.Fprintf(w, "  Running:   yes\n")
	}
}

func parsePageID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid page id %q", s)
	}
	return id, nil
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
