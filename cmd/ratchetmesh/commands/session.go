package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// sessionCmd runs both sides of a handshake in one process. It is a smoke
// test for the full path: registration, bundle issue, X3DH plus KEM
// handshake, and a ratcheted round trip.
func sessionCmd() *cobra.Command {
	var (
		caps    []string
		message string
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run a local handshake and message round trip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			for _, d := range []string{"demo-initiator", "demo-responder"} {
				if _, err := eng.RegisterDevice(ctx, "demo", d, true, caps); err != nil {
					return err
				}
			}

			b, err := eng.IssuePrekeyBundle(ctx, "demo-responder", "demo-initiator")
			if err != nil {
				return err
			}

			initiator, hs, err := eng.EstablishSession(ctx, "demo-conv", "demo-initiator", b)
			if err != nil {
				return err
			}
			responder, err := eng.AcceptSession(ctx, "demo-conv", "demo-responder", hs)
			if err != nil {
				return err
			}
			fmt.Printf("session established: %s\n", initiator.Algorithm())

			envelope, err := eng.Encrypt(ctx, initiator, []byte(message))
			if err != nil {
				return err
			}
			fmt.Printf("encrypted %d plaintext bytes into %d envelope bytes\n", len(message), len(envelope))

			plaintext, err := eng.Decrypt(ctx, responder, envelope)
			if err != nil {
				return err
			}
			fmt.Printf("decrypted: %s\n", plaintext)

			reply, err := eng.Encrypt(ctx, responder, []byte("ack: "+string(plaintext)))
			if err != nil {
				return err
			}
			back, err := eng.Decrypt(ctx, initiator, reply)
			if err != nil {
				return err
			}
			fmt.Printf("reply:     %s\n", back)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&caps, "caps", []string{"ML-KEM-768", "RSA-4096-OAEP"}, "advertised algorithm tokens")
	cmd.Flags().StringVar(&message, "message", "hello over the mesh", "demo plaintext")
	return cmd
}
