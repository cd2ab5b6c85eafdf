package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docuvec/docuvec/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status [DOC_ID]",
	Short: "Show document lifecycle status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 1 {
			doc, ok := a.tracker.Get(args[0])
			if !ok {
				return fmt.Errorf("document %s is not tracked", args[0])
			}
			printDoc(doc)
			for _, ev := range a.tracker.Events(doc.DocID) {
				fmt.Printf("  %s  %s -> %s  %s\n", ev.At.Format("15:04:05.000"), ev.From, ev.To, ev.Note)
			}
			return nil
		}

		docs := a.tracker.List(status.ListOptions{Limit: 100})
		if len(docs) == 0 {
			fmt.Println("no tracked documents")
			return nil
		}
		for _, doc := range docs {
			printDoc(doc)
		}
		return nil
	},
}

func printDoc(doc *status.Document) {
	line := fmt.Sprintf("%s  %-30s  %s", doc.DocID, doc.Filename, doc.State)
	if doc.State == status.StateCompleted {
		line += fmt.Sprintf("  (%d pages, %d chunks)", doc.VisualCount, doc.TextCount)
	}
	if doc.FailureReason != "" {
		line += fmt.Sprintf("  [%s retriable=%v]", doc.FailureReason, doc.Retriable)
	}
	fmt.Println(line)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
