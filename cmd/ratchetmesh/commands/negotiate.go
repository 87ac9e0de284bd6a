package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

func negotiateCmd() *cobra.Command {
	var preferred string
	cmd := &cobra.Command{
		Use:   "negotiate [device-id]...",
		Short: "Resolve the strongest shared algorithm for registered devices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var capSets [][]string
			for _, deviceID := range args {
				dev, err := eng.Directory().Get(cmd.Context(), deviceID)
				if err != nil {
					return fmt.Errorf("device %s: %w", deviceID, err)
				}
				capSets = append(capSets, dev.Capabilities)
			}

			var prefs *algorithm.Preferences
			if preferred != "" {
				id, ok := algorithm.Parse(preferred)
				if !ok {
					return fmt.Errorf("unknown algorithm %q", preferred)
				}
				prefs = &algorithm.Preferences{Preferred: id}
			}

			selected := eng.NegotiateAlgorithm(capSets, prefs)
			fmt.Printf("negotiated: %s (security level %d)\n", selected, selected.SecurityLevel())
			return nil
		},
	}
	cmd.Flags().StringVar(&preferred, "prefer", "", "preferred algorithm token")
	return cmd
}
