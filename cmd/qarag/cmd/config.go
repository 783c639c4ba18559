package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/configs"
	"github.com/supnum/qarag/internal/config"
	"github.com/supnum/qarag/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage qarag configuration.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/qarag/config.yaml)
  3. Project config (.qarag.yaml, or --config)
  4. Environment variables (QARAG_*)`,
		Example: `  # Write a commented project config with the defaults
  qarag config init

  # Capture the effective configuration, environment included
  qarag config init --effective --force

  # Show effective configuration (merged from all sources)
  qarag config show

  # Print config file paths
  qarag config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force     bool
		user      bool
		effective bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented configuration file",
		Long: `Write a commented configuration template.

By default the file is .qarag.yaml in the working directory and lists
every setting at its default. With --user it is the user config
(~/.config/qarag/config.yaml, or $XDG_CONFIG_HOME/qarag/config.yaml) and
holds machine-level settings only. With --effective the currently merged
configuration is written instead of the template.

An existing file is kept unless --force is given, in which case it is
backed up first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, force, user, effective)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file (a backup is kept)")
	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead of the project config")
	cmd.Flags().BoolVar(&effective, "effective", false, "Write the effective configuration instead of the template")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  `Show the effective configuration after merging all sources. The provider token is never printed.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}

			data, err := cfg.Render()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print configuration file paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			out.KeyValue("user", describePath(config.GetUserConfigPath()))
			out.KeyValue("project", describePath(projectConfigPath()))
			return nil
		},
	}
}

func runConfigInit(cmd *cobra.Command, force, user, effective bool) error {
	out := output.New(cmd.OutOrStdout())

	target := projectConfigPath()
	template := configs.ProjectConfigTemplate
	if user {
		target = config.GetUserConfigPath()
		template = configs.UserConfigTemplate
	}

	var cfg *config.Config
	if effective {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}

	if _, err := os.Stat(target); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.Statusf("📁", "Location: %s", target)
			out.Status("", "Use --force to overwrite it.")
			return nil
		}
		backup, err := config.BackupFile(target)
		if err != nil {
			return err
		}
		if backup != "" {
			out.Statusf("💾", "Backup: %s", backup)
		}
	}

	var err error
	if effective {
		err = cfg.WriteYAML(target)
	} else {
		err = config.WriteFile(target, []byte(template))
	}
	if err != nil {
		return err
	}
	out.Successf("Wrote %s", target)
	return nil
}

// projectConfigPath is --config when given, else .qarag.yaml in the
// working directory.
func projectConfigPath() string {
	if configPath != "" {
		return configPath
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return filepath.Join(wd, config.ProjectConfigYAML)
}

func describePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return fmt.Sprintf("%s (not found)", path)
	}
	return path
}
