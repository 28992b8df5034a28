package project

import "github.com/spf13/cobra"

// Actions defines the project pipeline operations exposed on the CLI.
type Actions interface {
	Import(cmd *cobra.Command, args []string) error
	Extract(cmd *cobra.Command, args []string) error
	Patch(cmd *cobra.Command, args []string) error
	Build(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
}

// Command builds the "project" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Import, extract, patch, and build a ROM project",
	}
	projectCmd.AddCommand(
		&cobra.Command{
			Use:   "import FILE",
			Short: "Copy a ROM/partition/super image into the project",
			Args:  cobra.ExactArgs(1),
			RunE:  h.Import,
		},
		&cobra.Command{
			Use:   "extract",
			Short: "Unpack the imported input and extract every contained partition",
			Args:  cobra.NoArgs,
			RunE:  h.Extract,
		},
		patchCommand(h),
		&cobra.Command{
			Use:   "build",
			Short: "Rebuild dirty partitions and reassemble the final image",
			Args:  cobra.NoArgs,
			RunE:  h.Build,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the project's current state as JSON",
			Args:  cobra.NoArgs,
			RunE:  h.Status,
		},
	)
	return projectCmd
}

func patchCommand(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply one or more patches to the extracted partitions",
		Args:  cobra.NoArgs,
		RunE:  h.Patch,
	}
	cmd.Flags().Bool("disable-avb", false, "strip AVB verification from every scanned vbmeta image")
	cmd.Flags().Bool("magisk", false, "root the boot/vendor_boot/init_boot images with Magisk")
	cmd.Flags().Bool("debloat", false, "acknowledge debloat was applied externally against the extracted source tree")
	cmd.Flags().Bool("disable-dm-verity", false, "reserved: recognised, currently a no-op")
	return cmd
}
