// Package tools exposes the Tool Registry on the command line: which
// external binaries are resolved, from where, and a way to force a
// rescan after installing one mid-session.
package tools

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cmdcore "github.com/rkromkit/kitchen/cmd/core"
	"github.com/rkromkit/kitchen/tools"
)

// knownTools mirrors the registry's internal list; kept here since the
// registry doesn't expose an enumeration API of its own.
var knownTools = []string{
	tools.Simg2Img, tools.Img2Simg, tools.LpMake, tools.LpUnpack,
	tools.AvbTool, tools.MagiskBoot, tools.MakeExt4fs, tools.MkfsErofs,
	tools.ExtractErofs, tools.ImgUnpack, tools.RkImageMaker,
	tools.AfpTool, tools.Aapt2, tools.Adb,
}

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	reg := tools.New(conf.AbsWorkspaceToolsDir(), conf.BundledToolsDir)

	names := append([]string(nil), knownTools...)
	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0) //nolint:mnd
	defer w.Flush()                                              //nolint:errcheck
	for _, name := range names {
		if p, ok := reg.GetPath(name); ok {
			fmt.Fprintf(w, "%s\t%s\n", name, p)
		} else {
			fmt.Fprintf(w, "%s\t(not found)\n", name)
		}
	}
	return nil
}

func (h Handler) Redetect(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	reg := tools.New(conf.AbsWorkspaceToolsDir(), conf.BundledToolsDir)
	reg.Redetect(ctx)
	return h.List(cmd, nil)
}
