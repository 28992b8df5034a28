// Package cmd wires the kitchen's subcommands onto a cobra root command.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/rkromkit/kitchen/cmd/core"
	cmdproject "github.com/rkromkit/kitchen/cmd/project"
	cmdtools "github.com/rkromkit/kitchen/cmd/tools"
	"github.com/rkromkit/kitchen/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "kitchen",
		Short:        "kitchen - firmware-image kitchen for Rockchip Android devices",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("project", ".", "project directory")
	cmd.PersistentFlags().String("workspace-tools-dir", "", "workspace-local tool search directory")
	cmd.PersistentFlags().String("bundled-tools-dir", "", "bundled tool search directory")

	_ = viper.BindPFlag("workspace_tools_dir", cmd.PersistentFlags().Lookup("workspace-tools-dir"))
	_ = viper.BindPFlag("bundled_tools_dir", cmd.PersistentFlags().Lookup("bundled-tools-dir"))

	viper.SetEnvPrefix("KITCHEN")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdproject.Command(cmdproject.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdtools.Command(cmdtools.Handler{BaseHandler: base}))

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	return log.SetupLog(ctx, conf.Log, "")
}
