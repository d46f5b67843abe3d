package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/toolstore/pkg/engine"
)

func newRecordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read records directly from storage",
		Long: `Read records directly from the storage engine. These commands bypass
plans and rule sets and are meant for operators.`,
	}

	cmd.AddCommand(newRecordsListCommand())
	cmd.AddCommand(newRecordsGetCommand())

	return cmd
}

func newRecordsListCommand() *cobra.Command {
	var (
		filters []string
		sortBy  string
		order   string
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List records with filters, sorting and pagination",
		Example: `  # Open tasks owned by u1, newest first
  toolstore records list tasks --filter status=open --filter owner_id=u1 --sort created_at --order desc`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFilters(filters)
			if err != nil {
				return err
			}

			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			page, err := stack.Storage.List(cmd.Context(), args[0], engine.Query{
				Filters:   f,
				SortBy:    sortBy,
				SortOrder: order,
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}

	cmd.Flags().StringArrayVar(&filters, "filter", nil, "equality filter key=value (repeatable)")
	cmd.Flags().StringVar(&sortBy, "sort", "", "field to sort by")
	cmd.Flags().StringVar(&order, "order", "asc", "sort order (asc or desc)")
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")

	return cmd
}

func newRecordsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rec, found, err := stack.Storage.Read(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s/%s not found", args[0], args[1])
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}
