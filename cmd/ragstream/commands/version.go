package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream/internal/version"
)

// NewVersionCmd constructs the `ragstream version` subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ragstream version, git commit, and build date",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ragstream %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}
