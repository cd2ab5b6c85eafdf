package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docuvec/docuvec/internal/ingest"
	"github.com/docuvec/docuvec/internal/status"
)

var (
	ingestReplace bool
	ingestMeta    []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Ingest documents into the vector store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		orch, err := a.orchestrator()
		if err != nil {
			return err
		}

		meta, err := parseKeyValues(ingestMeta)
		if err != nil {
			return err
		}

		if len(args) == 1 {
			report, err := orch.Ingest(cmd.Context(), ingest.FileRef{Path: args[0]}, meta, ingest.Options{Replace: ingestReplace})
			if err != nil {
				return fmt.Errorf("ingest %s: %w", args[0], err)
			}
			printReport(report)
			return nil
		}

		// Multiple files go through the bounded queue and worker pool.
		svc := ingest.NewService(orch, a.tracker, a.cfg.Ingest.Workers, a.cfg.Ingest.QueueSize)
		svc.Start(cmd.Context())

		var docIDs []string
		for _, path := range args {
			docID, err := svc.Submit(ingest.FileRef{Path: path}, meta, ingest.Options{Replace: ingestReplace})
			if err != nil {
				fmt.Printf("%s: %v\n", path, err)
				continue
			}
			docIDs = append(docIDs, docID)
		}
		svc.Stop()

		for _, docID := range docIDs {
			doc, ok := a.tracker.Get(docID)
			if !ok {
				continue
			}
			switch doc.State {
			case status.StateCompleted:
				fmt.Printf("%s: doc %s, %d pages, %d chunks\n", doc.Filename, doc.DocID, doc.VisualCount, doc.TextCount)
			default:
				fmt.Printf("%s: doc %s, %s (%s)\n", doc.Filename, doc.DocID, doc.State, doc.FailureReason)
			}
		}
		return nil
	},
}

func printReport(report *ingest.Report) {
	if report.AlreadyIngested {
		fmt.Printf("%s: already ingested (doc %s)\n", report.Filename, report.DocID)
		return
	}
	fmt.Printf("%s: doc %s, %d pages, %d chunks in %s\n",
		report.Filename, report.DocID, report.VisualCount, report.TextCount, report.Duration.Round(timeRound))
	for _, warning := range report.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestReplace, "replace", false, "re-ingest and replace existing records")
	ingestCmd.Flags().StringArrayVar(&ingestMeta, "meta", nil, "document metadata as key=value (repeatable)")
	rootCmd.AddCommand(ingestCmd)
}

// parseKeyValues parses repeated key=value flags into scalar metadata.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
