package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/masahif/grimoire/internal/pipeline"
)

var retryCmd = &cobra.Command{
	Use:   "retry <page-id>",
	Short: "Retry a failed page from the stage after its last success",
	Long: `Retry a page whose latest attempt failed. Stages that already succeeded
are not run again.

Only the latest attempt is considered. When an attempt was interrupted before it
recorded a result, for example because the process was killed, the page is not
seen as failed and retry leaves it alone. Use 'grimoire reprocess <page-id>' to
run such a page again.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Retry every failed page",
	Long: `Retry every page referenced by a failed attempt, one page at a time.
Pages whose latest attempt did not fail are skipped.`,
	Args: cobra.NoArgs,
	RunE: runRetryFailed,
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <page-id>",
	Short: "Run a page again from a given stage",
	Long: `Run a page again regardless of its status.

--from accepts auto, download, llm or vectorize. auto resumes after the last
successful stage and restarts from download when the page is already complete.
A stage can only be chosen once the stages before it have succeeded.`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

func init() {
	retryFailedCmd.Flags().Int("max", -1, "Maximum number of pages to retry, 0 for all (default from pipeline.max_retries)")
	retryFailedCmd.Flags().Duration("delay", -1, "Pause between pages (default from pipeline.retry_delay)")

	reprocessCmd.Flags().String("from", "auto", "Stage to start from: auto, download, llm or vectorize")
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := parsePageID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(modeRun)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.pipeline.Retry.RetrySingle(cmd.Context(), id)
	if err != nil {
		return err
	}
	printRetryResult(cmd.OutOrStdout(), res)
	return nil
}

func runRetryFailed(cmd *cobra.Command, args []string) error {
	a, err := newApp(modeRun)
	if err != nil {
		return err
	}
	defer a.close()

	opts := pipeline.BatchOptions{
		MaxRetries: a.cfg.Pipeline.MaxRetries,
		Delay:      a.cfg.Pipeline.RetryDelay,
	}
	if cmd.Flags().Changed("max") {
		opts.MaxRetries, _ = cmd.Flags().GetInt("max")
	}
	if cmd.Flags().Changed("delay") {
		opts.Delay, _ = cmd.Flags().GetDuration("delay")
	}
	if opts.MaxRetries < 0 || opts.Delay < 0 {
		return fmt.Errorf("--max and --delay must not be negative")
	}

	res, err := a.pipeline.Retry.RetryAllFailed(cmd.Context(), opts)
	if res != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Failed pages: %d\n", res.TotalFailed)
		fmt.Fprintf(out, "Attempted:    %d\n", res.Attempted)
		fmt.Fprintf(out, "Succeeded:    %d\n", res.Succeeded)
		fmt.Fprintf(out, "Recovered:    %d\n", res.Recovered)
		for _, f := range res.Failures {
			fmt.Fprintf(out, "  page %d: %v\n", f.PageID, f.Err)
		}
	}
	return err
}

func runReprocess(cmd *cobra.Command, args []string) error {
	id, err := parsePageID(args[0])
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetString("from")

	a, err := newApp(modeRun)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.pipeline.Retry.Reprocess(cmd.Context(), id, from)
	if err != nil {
		return err
	}
	printRetryResult(cmd.OutOrStdout(), res)
	return nil
}

func printRetryResult(w io.Writer, res *pipeline.RetryResult) {
	switch res.Outcome {
	case pipeline.RetryNotFailed:
		fmt.Fprintf(w, "Page %d has not failed, nothing to retry\n", res.PageID)
	case pipeline.RetryAlreadyComplete:
		fmt.Fprintf(w, "Page %d already finished every stage\n", res.PageID)
	default:
		fmt.Fprintf(w, "Page %d resumed from %s (log %d)\n", res.PageID, res.ResumedFrom, res.LogID)
		if res.Completed {
			fmt.Fprintf(w, "  completed\n")
		} else {
			fmt.Fprintf(w, "  failed: %s\n", res.Error)
		}
	}
}
