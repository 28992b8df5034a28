package project

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/rkromkit/kitchen/cmd/core"
	"github.com/rkromkit/kitchen/pipeline"
	"github.com/rkromkit/kitchen/progress"
	"github.com/rkromkit/kitchen/progress/importstep"
	"github.com/rkromkit/kitchen/project"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Import(cmd *cobra.Command, args []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.project.import")
	dir := cmdcore.ProjectDirFlag(cmd)

	coord, _, err := cmdcore.OpenCoordinator(conf, dir)
	if err != nil {
		return err
	}

	tracker := progress.NewTracker(func(e importstep.Event) {
		switch e.Phase {
		case importstep.PhaseDetect:
			logger.Infof(cmd.Context(), "detected route: %s", e.Route)
		case importstep.PhaseCopy:
			if e.BytesTotal > 0 {
				pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100 //nolint:mnd
				fmt.Printf("\r  %s / %s (%.1f%%)", cmdcore.FormatSize(e.BytesDone), cmdcore.FormatSize(e.BytesTotal), pct)
			}
		case importstep.PhaseDone:
			fmt.Println()
			logger.Infof(cmd.Context(), "import done: %s", e.Route)
		}
	})

	res := coord.Import(cmd.Context(), args[0], tracker)
	return reportResult(cmd, res)
}

func (h Handler) Extract(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	coord, _, err := cmdcore.OpenCoordinator(conf, cmdcore.ProjectDirFlag(cmd))
	if err != nil {
		return err
	}
	return reportResult(cmd, coord.Extract(cmd.Context()))
}

func (h Handler) Patch(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	coord, _, err := cmdcore.OpenCoordinator(conf, cmdcore.ProjectDirFlag(cmd))
	if err != nil {
		return err
	}

	toggles := map[string]bool{}
	for _, name := range []string{"disable-avb", "magisk", "debloat", "disable-dm-verity"} {
		on, _ := cmd.Flags().GetBool(name)
		if on {
			toggles[togglesKey(name)] = true
		}
	}
	if len(toggles) == 0 {
		return fmt.Errorf("no patch toggle given, pass at least one of --disable-avb, --magisk, --debloat, --disable-dm-verity")
	}

	return reportResult(cmd, coord.Patch(cmd.Context(), toggles))
}

func (h Handler) Build(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	coord, _, err := cmdcore.OpenCoordinator(conf, cmdcore.ProjectDirFlag(cmd))
	if err != nil {
		return err
	}
	return reportResult(cmd, coord.Build(cmd.Context()))
}

func (h Handler) Status(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	_, proj, err := cmdcore.OpenCoordinator(conf, cmdcore.ProjectDirFlag(cmd))
	if err != nil {
		return err
	}

	var cfg project.Config
	if err := proj.With(cmd.Context(), func(cur *project.Config) error {
		cfg = *cur
		return nil
	}); err != nil {
		return fmt.Errorf("read project state: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// togglesKey maps a dashed CLI flag name to the pipeline's underscored
// toggle key (§4.m's recognised toggle set).
func togglesKey(flagName string) string {
	switch flagName {
	case "disable-avb":
		return "disable_avb"
	case "magisk":
		return "magisk"
	case "debloat":
		return "debloat"
	case "disable-dm-verity":
		return "disable_dm_verity"
	default:
		return flagName
	}
}

func reportResult(cmd *cobra.Command, res pipeline.TaskResult) error {
	if !res.Ok() {
		return fmt.Errorf("%s", res.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (took %s)\n", res.Message, res.Elapsed)
	for _, a := range res.Artifacts {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", a)
	}
	return nil
}
