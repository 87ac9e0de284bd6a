package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Register devices and manage prekey pools",
	}
	cmd.AddCommand(keysRegisterCmd(), keysReplenishCmd(), keysStatusCmd())
	return cmd
}

func keysRegisterCmd() *cobra.Command {
	var (
		userID  string
		caps    []string
		trusted bool
	)
	cmd := &cobra.Command{
		Use:   "register [device-id]",
		Short: "Register a device with fresh identity and prekeys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			ident, err := eng.RegisterDevice(cmd.Context(), userID, deviceID, trusted, caps)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (user %s)\n", deviceID, userID)
			fmt.Printf("  quantum algorithm: %s\n", ident.QuantumAlgorithm)
			fmt.Printf("  capabilities:      %s\n", strings.Join(caps, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user ID")
	cmd.Flags().StringSliceVar(&caps, "caps", []string{"ML-KEM-768", "RSA-4096-OAEP"}, "advertised algorithm tokens")
	cmd.Flags().BoolVar(&trusted, "trusted", false, "mark the device trusted for key distribution")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func keysReplenishCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "replenish [device-id]",
		Short: "Add one-time prekeys to a device's pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			keys, err := eng.Keystore().AddOneTimePrekeys(cmd.Context(), deviceID, count)
			if err != nil {
				return err
			}
			fmt.Printf("added %d one-time prekeys for %s\n", len(keys), deviceID)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 100, "number of prekeys to generate")
	return cmd
}

func keysStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [device-id]",
		Short: "Show a device's prekey pool status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := eng.Keystore().PrekeyPoolStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("device %s: %d available, %d used\n", status.DeviceID, status.Available, status.Used)
			return nil
		},
	}
	return cmd
}
