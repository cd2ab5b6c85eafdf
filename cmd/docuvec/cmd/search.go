package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docuvec/docuvec/internal/search"
	"github.com/docuvec/docuvec/internal/store"
)

// timeRound trims durations for display.
const timeRound = time.Millisecond

var (
	searchMode       string
	searchN          int
	searchNoRerank   bool
	searchCandidates int
	searchFilters    []string
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Run a semantic search over indexed documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		eng, err := a.engine()
		if err != nil {
			return err
		}

		mode, err := search.ParseMode(searchMode)
		if err != nil {
			return err
		}
		filters, err := parseFilters(searchFilters)
		if err != nil {
			return err
		}

		// The engine treats RerankCandidates == 0 as "do not re-rank", so
		// the flag's unset value must resolve to the configured depth here.
		candidates := searchCandidates
		if candidates == 0 {
			candidates = a.cfg.Search.Stage1Candidates
		}

		resp, err := eng.Search(cmd.Context(), search.Request{
			Query:            args[0],
			NResults:         searchN,
			Mode:             mode,
			Filters:          filters,
			EnableRerank:     !searchNoRerank,
			RerankCandidates: candidates,
		})
		if err != nil {
			return err
		}

		if resp.Degraded {
			fmt.Println("warning: degraded response (partial collection coverage)")
		}
		if len(resp.Results) == 0 {
			fmt.Println("no results")
		}
		for i, r := range resp.Results {
			fmt.Printf("%2d. [%.3f] %s (%s, doc %s)\n", i+1, r.Score, r.Metadata[store.MetaFilename], r.Kind, r.DocID)
			if r.Highlight != "" {
				fmt.Printf("    %s\n", r.Highlight)
			}
			for _, sh := range r.SupportingHits {
				fmt.Printf("    also: %s %d (%.3f)\n", sh.Kind, sh.Position, sh.Score)
			}
		}
		fmt.Printf("\n%d results from %d candidates (%d re-ranked) in %s (stage1 %s, stage2 %s)\n",
			resp.TotalResults, resp.CandidatesRetrieved, resp.RerankedCount,
			resp.TotalTime.Round(timeRound), resp.Stage1Time.Round(timeRound), resp.Stage2Time.Round(timeRound))
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchMode, "mode", "hybrid", "search mode: hybrid, visual_only, text_only")
	searchCmd.Flags().IntVarP(&searchN, "results", "n", 10, "number of results")
	searchCmd.Flags().BoolVar(&searchNoRerank, "no-rerank", false, "skip Stage-2 MaxSim re-ranking")
	searchCmd.Flags().IntVar(&searchCandidates, "candidates", 0, "Stage-1 candidate depth (default from config)")
	searchCmd.Flags().StringArrayVar(&searchFilters, "filter", nil, "metadata equality filter key=value (repeatable)")
	rootCmd.AddCommand(searchCmd)
}

// parseFilters converts key=value flags to equality predicates.
func parseFilters(pairs []string) ([]store.Filter, error) {
	var out []store.Filter
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --filter %q, want key=value", pair)
		}
		out = append(out, store.Eq(key, value))
	}
	return out, nil
}
