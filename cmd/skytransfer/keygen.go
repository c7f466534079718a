package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kenneth/skytransfer/internal/session"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new session key",
	Long: `Generate a new session. The printed seed owns the manifest and derives the
encryption key: store it in session.private_key_seed or the
SKYTRANSFER_SESSION_PRIVATE_KEY_SEED environment variable. Losing it loses
access to every uploaded file.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		sess, err := session.Generate()
		if err != nil {
			return err
		}
		seed, err := sess.SeedHex()
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " New session created")
		fmt.Printf("  %s %s\n", color.CyanString("public key:"), sess.PublicKeyHex())
		fmt.Printf("  %s %s\n", color.CyanString("seed:      "), seed)
		fmt.Println()
		fmt.Println(color.YellowString("!") + " Keep the seed secret. Add it to your environment:")
		fmt.Printf("  SKYTRANSFER_SESSION_PRIVATE_KEY_SEED=%s\n", seed)
		return nil
	},
}
