package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/toolstore/pkg/runtime"
	"github.com/openfroyo/toolstore/pkg/stores"
)

var errNoJournal = errors.New("the run journal is disabled, set journal_path to enable it")

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query the run journal",
		Long: `Query the SQLite run journal. Every plan invocation, including rejected
calls, and every workflow run is journaled when journal_path is set.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsPruneCommand())

	return cmd
}

func openJournal(cmd *cobra.Command) (*runtime.Stack, func(), error) {
	stack, closeFn, err := openStack(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if stack.Journal == nil {
		closeFn()
		return nil, nil, errNoJournal
	}
	return stack, closeFn, nil
}

func newRunsListCommand() *cobra.Command {
	var (
		filter stores.RunFilter
		kind   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled runs, newest first",
		Example: `  # Failed workflow runs
  toolstore runs list --kind workflow --status failed

  # The last 10 calls to one tool
  toolstore runs list --name tasks.delete --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch stores.RunKind(kind) {
			case "", stores.RunKindPlan, stores.RunKindWorkflow:
				filter.Kind = stores.RunKind(kind)
			default:
				return fmt.Errorf("invalid kind %q, want plan or workflow", kind)
			}

			stack, closeFn, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := stack.Journal.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tNAME\tSTATUS\tERROR\tSTARTED\tDURATION")
			for _, r := range runs {
				code := "-"
				if r.ErrorCode != nil {
					code = *r.ErrorCode
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Kind, r.Name, r.Status, code,
					r.StartedAt.Local().Format(time.DateTime), r.Duration.Round(time.Microsecond))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "plan or workflow")
	cmd.Flags().StringVar(&filter.Name, "name", "", "tool or workflow name")
	cmd.Flags().StringVar(&filter.Status, "status", "", "run status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum runs to print")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "runs to skip")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one run with its steps and compensations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, closeFn, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			run, err := stack.Journal.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := stack.Journal.ListRunSteps(ctx, run.ID)
			if err != nil {
				return err
			}
			comps, err := stack.Journal.ListRunCompensations(ctx, run.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*stores.Run
				Steps         []*stores.RunStep         `json:"steps,omitempty"`
				Compensations []*stores.RunCompensation `json:"compensations,omitempty"`
			}{run, steps, comps})
		},
	}
}

func newRunsPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journaled runs older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			stack, closeFn, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := stack.Journal.DeleteRunsBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("Pruned run journal")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs started before now minus this duration")

	return cmd
}
