package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/toolstore/pkg/config"
	"github.com/openfroyo/toolstore/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [artifacts-dir]",
		Short: "Validate compiled artifacts",
		Long: `Validate the artifacts directory without touching storage.

This command checks:
  - Plan, workflow, rule set and schema documents decode and validate
  - Every rule condition, including Rego modules, compiles
  - Extra rule sets from policy_paths load`,
		Example: `  # Validate the configured artifacts directory
  toolstore validate

  # Validate a specific directory
  toolstore validate ./build/artifacts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dir := cfg.ArtifactsDir
			if len(args) == 1 {
				dir = args[0]
			}

			log.Info().
				Str("dir", dir).
				Strs("policy_paths", cfg.PolicyPaths).
				Msg("Validating artifacts")

			logger := log.Logger.Level(zerolog.WarnLevel)
			registry, err := config.NewRegistry(logger)
			if err != nil {
				return err
			}
			if err := registry.LoadDir(dir); err != nil {
				return err
			}

			ctx := cmd.Context()
			sets := registry.RuleSets()
			if len(cfg.PolicyPaths) > 0 {
				extra, err := policy.NewLoader(logger).LoadFromPaths(ctx, cfg.PolicyPaths)
				if err != nil {
					return err
				}
				sets = append(sets, extra...)
			}
			rules := policy.NewEngine(nil, logger)
			if err := rules.Load(ctx, sets...); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %d plans\n", len(registry.Plans()))
			fmt.Fprintf(out, "✓ %d workflows\n", len(registry.Workflows()))
			fmt.Fprintf(out, "✓ %d entity schemas\n", len(registry.Schemas()))
			fmt.Fprintf(out, "✓ %d rule sets\n", len(sets))
			for _, info := range rules.RuleSets() {
				fmt.Fprintf(out, "    %-24s category=%-12s band=%d rules=%d\n", info.Name, info.Category, info.Band, info.Rules)
			}
			return nil
		},
	}

	return cmd
}
