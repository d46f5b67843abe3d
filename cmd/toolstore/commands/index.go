package commands

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild and inspect collection indexes",
	}

	cmd.AddCommand(newIndexRebuildCommand())
	cmd.AddCommand(newIndexShowCommand())

	return cmd
}

func newIndexRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [collection...]",
		Short: "Rebuild indexes from record files and persist them",
		Long: `Rebuild the named collections' indexes from the record files, ignoring
persisted snapshots, then write fresh snapshots. No names rebuilds every
collection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := stack.Storage.RebuildIndexes(args...); err != nil {
				return err
			}
			if err := stack.Storage.PersistIndexes(); err != nil {
				return fmt.Errorf("failed to persist indexes: %w", err)
			}

			names := args
			if len(names) == 0 {
				names = stack.Storage.Collections()
			}
			log.Info().Strs("collections", names).Msg("Rebuilt indexes")
			for _, name := range names {
				snap, err := stack.Storage.IndexSnapshot(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %d records\n", name, snap.Count)
			}
			return nil
		},
	}
}

func newIndexShowCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <collection>",
		Short: "Print a collection's live index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			snap, err := stack.Storage.IndexSnapshot(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "collection: %s\nrecords:    %d\nlast id:    %s\n", args[0], snap.Count, snap.LastID)
			fields := make([]string, 0, len(snap.Indexes))
			for f := range snap.Indexes {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				fmt.Fprintf(out, "  %s: %d distinct values\n", f, len(snap.Indexes[f]))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full index as JSON")

	return cmd
}
