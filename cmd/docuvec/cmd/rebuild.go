package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docuvec/docuvec/internal/store"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the ANN indexes from stored records",
	Long:  "Reconstructs both HNSW indexes from the record store. This is the recovery path for corrupted index files and the compaction path for lazily deleted nodes.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		for _, kind := range store.Kinds {
			before, err := a.store.CheckConsistency(cmd.Context(), kind)
			if err != nil {
				return err
			}
			if err := a.store.RebuildIndex(cmd.Context(), kind); err != nil {
				return fmt.Errorf("rebuild %s index: %w", kind, err)
			}
			after, err := a.store.CheckConsistency(cmd.Context(), kind)
			if err != nil {
				return err
			}
			fmt.Printf("%s: rebuilt (%d missing, %d orphaned, %d lazy-deleted before; clean=%v after)\n",
				kind, len(before.MissingFromIndex), len(before.OrphanedInIndex),
				before.LazyDeletedNodes, after.Clean())
		}
		return a.store.Save()
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}
