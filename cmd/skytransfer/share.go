package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var shareBase string

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Print a read-only share link",
	Long: `Print a link that grants read access to the file list. Anyone holding it
can list and download files, but cannot upload, remove or sync. Open it with
'skytransfer --share <link> list'.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := newLogger(false)
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		sess, err := loadSession(cfg)
		if err != nil {
			return err
		}
		base := shareBase
		if base == "" {
			base = cfg.Storage.Portal.URL
		}
		fmt.Println(color.GreenString("✓") + " Read-only link:")
		fmt.Println("  " + sess.ShareLink(base))
		return nil
	},
}

func init() {
	shareCmd.Flags().StringVar(&shareBase, "base", "", "base URL of the link (defaults to the configured portal)")
}
