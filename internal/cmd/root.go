// Package cmd implements the dtifit command line.
package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dtifit/internal/logging"
	"dtifit/pkg/config"
)

// app carries the state shared by the subcommands of one root command.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *logrus.Logger
}

// NewRootCmd builds the dtifit command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "dtifit",
		Short: "Diffusion tensor fitting toolkit",
		Long: `dtifit fits diffusion tensors to diffusion-weighted signals and derives
scalar maps (FA, MD, ADC, axial and radial diffusivity) from them.

Gradient tables are read from .bvec/.bval pairs and voxel signals from
plain-text signal tables. Use "dtifit simulate" to generate a synthetic
dataset and "dtifit fit" to process it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./dtifit.yaml if present)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	_ = a.v.BindPFlag("config", flags.Lookup("config"))
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", flags.Lookup("log-format"))

	root.AddCommand(
		a.newFitCmd(),
		a.newSimulateCmd(),
		a.newConfigCmd(),
		a.newSHCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// setup loads the configuration and sets up logging.
func (a *app) setup(stderr io.Writer) error {
	config.SetDefaults(a.v)

	cfgFile := a.v.GetString("config")
	if cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
	} else {
		a.v.SetConfigName("dtifit")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		a.v.AddConfigPath("$HOME/.config/dtifit")
	}

	config.BindEnv(a.v)

	if err := a.v.ReadInConfig(); err != nil {
		// a missing file is only an error when it was asked for
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := logging.New(stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	a.log = log

	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.WithField("path", used).Debug("loaded config file")
	}
	return nil
}
