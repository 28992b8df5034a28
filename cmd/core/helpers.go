// Package core holds the command-line layer's shared plumbing: config
// access, project/coordinator construction, and small formatting helpers
// reused across every subcommand package.
package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/rkromkit/kitchen/config"
	"github.com/rkromkit/kitchen/pipeline"
	"github.com/rkromkit/kitchen/project"
	"github.com/rkromkit/kitchen/tools"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns the command's context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// OpenCoordinator opens the project rooted at projectDir and wires a
// Pipeline Coordinator against it, using conf's tool-search directories
// and pool size. Every subcommand invocation builds its own coordinator —
// the CLI is a one-shot process per command, unlike a long-lived daemon.
func OpenCoordinator(conf *config.Config, projectDir string) (*pipeline.Coordinator, *project.Project, error) {
	proj, err := project.Open(projectDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open project at %s: %w", projectDir, err)
	}

	resolver := tools.New(conf.AbsWorkspaceToolsDir(), conf.BundledToolsDir)

	pool, err := ants.NewPool(conf.PoolSize)
	if err != nil {
		return nil, nil, fmt.Errorf("init worker pool: %w", err)
	}

	return pipeline.New(proj, resolver, pool), proj, nil
}

// FormatSize renders bytes in human-readable form (e.g. "1.2GB").
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

// ProjectDirFlag reads the --project persistent flag, defaulting to the
// current directory when unset.
func ProjectDirFlag(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("project")
	if dir == "" {
		return "."
	}
	return dir
}
