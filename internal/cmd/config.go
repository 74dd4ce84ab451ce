package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dtifit/pkg/config"
)

const defaultConfigFile = "dtifit.yaml"

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or create dtifit configuration",
		Long: `View or create dtifit configuration.

Settings are read from --config, ./dtifit.yaml or ~/.config/dtifit/dtifit.yaml,
and can be overridden by DTIFIT_* environment variables, e.g.
DTIFIT_PROCESSING_WORKERS=4 or DTIFIT_LOGGING_LEVEL=debug.`,
		RunE: a.runConfigShow,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE:  a.runConfigShow,
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create a default config file",
		Long:  `Create a config file with every option at its default value (./dtifit.yaml unless a path is given).`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	cmd.AddCommand(showCmd, initCmd)
	return cmd
}

func (a *app) runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(a.cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	if used := a.v.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# loaded from %s\n", used)
	}
	_, err = out.Write(data)
	return err
}
