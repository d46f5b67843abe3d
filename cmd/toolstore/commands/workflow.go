package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflows",
	}

	cmd.AddCommand(newWorkflowRunCommand())
	cmd.AddCommand(newWorkflowListCommand())

	return cmd
}

func newWorkflowRunCommand() *cobra.Command {
	var (
		caller callerFlags
		input  inputFlags
	)

	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a workflow directly",
		Long: `Run a workflow by name outside of any trigger. When a step fails, the
compensations registered for completed steps run in reverse order.`,
		Example: `  toolstore workflow run close-task --caller u1 --input '{"id": "..."}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			in, err := input.read(cmd.InOrStdin())
			if err != nil {
				return err
			}

			log.Debug().Str("workflow", name).Str("caller", caller.id).Msg("Running workflow")

			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := stack.Runtime.RunWorkflow(cmd.Context(), name, in, caller.caller())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Succeeded() {
				return fmt.Errorf("workflow %s finished %s", name, res.Status)
			}
			return nil
		},
	}

	caller.register(cmd)
	input.register(cmd)

	return cmd
}

func newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded workflows and their triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTRIGGER\tSTEPS\tCOMPENSATIONS")
			for _, wf := range stack.Registry.Workflows() {
				trigger := wf.Trigger.Event
				if trigger == "" {
					trigger = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", wf.Name, trigger, len(wf.Steps), len(wf.Compensations))
			}
			return w.Flush()
		},
	}
}
