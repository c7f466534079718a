package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kenneth/skytransfer/internal/storage"
)

var portalsCmd = &cobra.Command{
	Use:   "portals",
	Short: "List known storage portals",
	Long: `List the known portals of the portal backend. The portal in use is marked;
change it with storage.portal.url or PUT /portals/current on the gateway.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := newLogger(false)
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		portals, err := storage.NewPortals(cfg.Storage.Portal.URL, cfg.Storage.Portal.KnownPortals)
		if err != nil {
			return err
		}
		if cfg.Storage.Backend != "portal" {
			fmt.Println(color.YellowString("!") + " The portal backend is not in use (storage.backend=" + cfg.Storage.Backend + ")")
		}
		current := portals.Current()
		for _, p := range portals.Known() {
			if p == current {
				fmt.Printf("%s %s\n", color.GreenString("●"), color.New(color.Bold).Sprint(p))
				continue
			}
			fmt.Printf("  %s\n", p)
		}
		return nil
	},
}
