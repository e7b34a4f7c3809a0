package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/masahif/grimoire/internal/vectorindex"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Search indexed chunks",
	Long: `Search the vector index. Semantic mode embeds the query and ranks chunks
by similarity. Keyword mode matches the query terms against chunk keywords,
titles and content.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().String("mode", string(vectorindex.ModeSemantic), "Search mode: semantic or keyword")
	searchCmd.Flags().IntP("limit", "n", 5, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	rawMode, _ := cmd.Flags().GetString("mode")
	limit, _ := cmd.Flags().GetInt("limit")

	mode, err := vectorindex.ParseMode(rawMode)
	if err != nil {
		return err
	}

	a, err := newApp(modeSearch)
	if err != nil {
		return err
	}
	defer a.close()

	hits, err := a.index.Search(cmd.Context(), vectorindex.Query{
		Text:  strings.Join(args, " "),
		Mode:  mode,
		Limit: limit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No results")
		return nil
	}
	for i, h := range hits {
		r := h.Record
		fmt.Fprintf(out, "%d. [%.3f] %s (page %d, chunk %d)\n", i+1, h.Score, r.Title, r.PageID, r.ChunkIndex)
		fmt.Fprintf(out, "   %s\n", r.URL)
		fmt.Fprintf(out, "   %s\n", shorten(strings.Join(strings.Fields(r.Content), " "), 160))
	}
	return nil
}
