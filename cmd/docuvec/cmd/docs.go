package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docuvec/docuvec/internal/store"
)

var (
	docsLimit  int
	docsOffset int
	docsSort   string
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect and manage indexed documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		docs, err := a.store.ListDocs(cmd.Context(), docsLimit, docsOffset, store.DocSort(docsSort))
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("no documents")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-30s  %d pages, %d chunks  added %s\n",
				d.DocID, d.Filename, d.VisualCount, d.TextCount, d.AddedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var docsGetCmd = &cobra.Command{
	Use:   "get DOC_ID",
	Short: "Show one document's detail",
	Args:  cobra.ExactArgs(1),
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
		detail, err := orch.GetDocument(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		s := detail.Summary
		fmt.Printf("doc %s\n  filename: %s\n  pages: %d\n  chunks: %d\n  added: %s\n",
			s.DocID, s.Filename, s.VisualCount, s.TextCount, s.AddedAt.Format("2006-01-02 15:04:05"))
		if detail.Lifecycle != nil {
			fmt.Printf("  status: %s\n", detail.Lifecycle.State)
			for _, w := range detail.Lifecycle.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
			if detail.Lifecycle.FailureReason != "" {
				fmt.Printf("  failure: %s (retriable=%v)\n", detail.Lifecycle.FailureReason, detail.Lifecycle.Retriable)
			}
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete DOC_ID",
	Short: "Delete a document and every record it owns",
	Args:  cobra.ExactArgs(1),
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
		report, err := orch.Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("deleted doc %s (%d records removed)\n", report.DocID, report.RecordsRemoved)
		return nil
	},
}

func init() {
	docsListCmd.Flags().IntVar(&docsLimit, "limit", 50, "page size")
	docsListCmd.Flags().IntVar(&docsOffset, "offset", 0, "page offset")
	docsListCmd.Flags().StringVar(&docsSort, "sort", string(store.DocSortAddedDesc), "sort: added_desc, name_asc, pages_desc")

	docsCmd.AddCommand(docsListCmd, docsGetCmd, docsDeleteCmd)
	rootCmd.AddCommand(docsCmd)
}
