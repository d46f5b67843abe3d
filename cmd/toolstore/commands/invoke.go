package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInvokeCommand() *cobra.Command {
	var (
		caller callerFlags
		input  inputFlags
	)

	cmd := &cobra.Command{
		Use:   "invoke <tool>",
		Short: "Invoke a tool",
		Long: `Invoke a tool by name. The call is authenticated against the plan's auth
block, gated through every applicable rule set and then executed step by step.
Workflows subscribed to the resulting mutation event run afterwards.

The execution result is printed as JSON. The command exits non-zero when the
call is rejected or a step fails.`,
		Example: `  # Create a task as user u1
  toolstore invoke tasks.create --caller u1 --input '{"title": "Write docs"}'

  # Read the input from a file, acting as an admin
  toolstore invoke tasks.list_all --caller ops --role admin -f query.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool := args[0]
			in, err := input.read(cmd.InOrStdin())
			if err != nil {
				return err
			}

			log.Debug().
				Str("tool", tool).
				Str("caller", caller.id).
				Str("role", caller.role).
				Msg("Invoking tool")

			stack, closeFn, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := stack.Runtime.Invoke(cmd.Context(), tool, in, caller.caller())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Execution.Success {
				return fmt.Errorf("%s failed: %w", tool, res.Execution.Error)
			}
			return nil
		},
	}

	caller.register(cmd)
	input.register(cmd)

	return cmd
}
