package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInitCommand() *cobra.Command {
	var (
		force   bool
		journal bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a toolstore workspace",
		Long: `Initialize a workspace with a configuration file, a data directory and an
artifacts directory.

The storage engine's metadata file is written and, unless --journal=false,
the SQLite run journal is created and migrated.`,
		Example: `  # Initialize in the current directory
  toolstore init

  # Initialize elsewhere without a run journal
  toolstore init /srv/toolstore --journal=false`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			cfgFile := configPath
			if cfgFile == "" {
				cfgFile = filepath.Join(root, "toolstore.yaml")
			}

			log.Info().
				Str("dir", root).
				Str("config", cfgFile).
				Msg("Initializing workspace")

			out := cmd.OutOrStdout()
			dataDir := filepath.Join(root, "data")
			artifactsDir := filepath.Join(root, "artifacts")
			for _, dir := range []string{dataDir, artifactsDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			if _, err := os.Stat(cfgFile); err == nil && !force {
				fmt.Fprintf(out, "• Keeping existing config: %s\n", cfgFile)
			} else {
				settings := defaultSettings(dataDir, artifactsDir)
				if journal {
					settings["journal_path"] = filepath.Join(dataDir, "journal.db")
				}
				body, err := yaml.Marshal(settings)
				if err != nil {
					return fmt.Errorf("failed to encode config: %w", err)
				}
				if err := os.WriteFile(cfgFile, body, 0o644); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
				fmt.Fprintf(out, "✓ Wrote config: %s\n", cfgFile)
			}

			stack, closeFn, err := openStackFrom(cmd.Context(), cfgFile)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(out, "✓ Storage ready: %s (%d collections)\n", stack.Config.DataDir, len(stack.Storage.Collections()))
			if stack.Journal != nil {
				fmt.Fprintf(out, "✓ Run journal migrated: %s\n", stack.Config.JournalPath)
			}
			fmt.Fprintln(out, "\nWorkspace initialized. Add plans, rules, workflows and schemas under", artifactsDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&journal, "journal", true, "enable the SQLite run journal")

	return cmd
}

// defaultSettings is the config file written by init. Keys left out fall
// back to the built-in defaults.
func defaultSettings(dataDir, artifactsDir string) map[string]interface{} {
	return map[string]interface{}{
		"data_dir":               dataDir,
		"artifacts_dir":          artifactsDir,
		"lock_timeout":           "5s",
		"index_persist_interval": "60s",
		"wal_retention":          "168h",
		"max_parallel":           8,
		"logging": map[string]interface{}{
			"level":  "info",
			"format": "console",
		},
	}
}
