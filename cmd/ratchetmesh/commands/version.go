package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ratchetmesh/ratchetmesh/pkg/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}
