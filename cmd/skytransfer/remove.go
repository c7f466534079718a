package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:     "remove <uuid|path>...",
	Aliases: []string{"rm"},
	Short:   "Remove files from the manifest",
	Long: `Remove files from the manifest. Once the manifest has been written, their
content is deleted from the storage backend when it supports deletion and no
other entry points at it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireWritable(); err != nil {
			return err
		}

		refs, err := selectFiles(a.scheduler.Manifest(), args, false)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if _, err := a.scheduler.Remove(ref.UUID); err != nil {
				return err
			}
			fmt.Printf("%s Removed %s\n", color.GreenString("✓"), ref.RelativePath)
		}
		return a.scheduler.Flush(cmd.Context())
	},
}
