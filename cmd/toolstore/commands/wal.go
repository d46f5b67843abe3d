package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect and prune the write-ahead log",
	}

	cmd.AddCommand(newWALListCommand())
	cmd.AddCommand(newWALPruneCommand())

	return cmd
}

func newWALListCommand() *cobra.Command {
	var (
		collection string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List WAL entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := stack.Storage.WAL().ReadAll()
			if err != nil {
				return err
			}
			if collection != "" {
				kept := entries[:0]
				for _, e := range entries {
					if e.Collection == collection {
						kept = append(kept, e)
					}
				}
				entries = kept
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tOPERATION\tCOLLECTION\tRECORD\tOPERATION_ID")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.Operation, e.Collection, e.RecordID, e.OperationID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "only entries for this collection")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the newest N entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full entries, including states, as JSON")

	return cmd
}

func newWALPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove WAL entries older than wal_retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if stack.Config.WALRetention <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "wal_retention is 0, nothing pruned")
				return nil
			}
			removed := stack.Storage.PruneWAL()
			log.Info().Int("removed", removed).Dur("retention", stack.Config.WALRetention).Msg("Pruned WAL")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %d WAL entries\n", removed)
			return nil
		},
	}
}
