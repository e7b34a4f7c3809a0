package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the database and the vector index",
	Long: `Ping the SQLite database and the configured vector index.
A missing Qdrant collection is created when the embedder dimension is known.
The command fails when any check fails.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	a, err := newApp(modeSearch)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Pipeline.StageTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	var failed []string

	if err := a.store.Ping(ctx); err != nil {
		fmt.Fprintf(out, "database: %v\n", err)
		failed = append(failed, "database")
	} else if total, err := totalPages(ctx, a.store); err != nil {
		fmt.Fprintf(out, "database: %v\n", err)
		failed = append(failed, "database")
	} else {
		fmt.Fprintf(out, "database: ok (%d pages)\n", total)
	}

	provider := a.cfg.VectorIndex.Provider
	if err := a.index.Health(ctx); err != nil {
		fmt.Fprintf(out, "vector_index (%s): %v\n", provider, err)
		failed = append(failed, "vector_index")
	} else {
		fmt.Fprintf(out, "vector_index (%s): ok\n", provider)
	}

	if len(failed) > 0 {
		return fmt.Errorf("health check failed: %s", strings.Join(failed, ", "))
	}
	return nil
}
