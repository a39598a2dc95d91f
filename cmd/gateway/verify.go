package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/aegis-gateway/internal/receipt"
)

func newVerifyCmd() *cobra.Command {
	var (
		keyID     string
		secretHex string
	)

	cmd := &cobra.Command{
		Use:   "verify FILE...",
		Short: "Recompute and check receipt signatures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := hex.DecodeString(secretHex)
			if err != nil {
				return fmt.Errorf("invalid --secret-hex: %w", err)
			}
			signer, err := receipt.NewSigner(keyID, secret)
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err == nil {
					err = signer.VerifyJSON(raw)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d receipts failed verification", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "local-k1", "signing key id the receipts must carry")
	cmd.Flags().StringVar(&secretHex, "secret-hex", "01020304", "hex encoded HMAC secret")
	return cmd
}
