package tools

import "github.com/spf13/cobra"

// Actions defines the tool registry operations exposed on the CLI.
type Actions interface {
	List(cmd *cobra.Command, args []string) error
	Redetect(cmd *cobra.Command, args []string) error
}

// Command builds the "tools" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the external tool registry",
	}
	toolsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show every known tool and its resolved path",
			Args:  cobra.NoArgs,
			RunE:  h.List,
		},
		&cobra.Command{
			Use:   "redetect",
			Short: "Clear the resolution cache and rescan",
			Args:  cobra.NoArgs,
			RunE:  h.Redetect,
		},
	)
	return toolsCmd
}
