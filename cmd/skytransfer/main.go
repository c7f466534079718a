package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	shareLink  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "skytransfer",
	Short: "Encrypted file transfer to content-addressed storage",
	Long: `skytransfer encrypts files chunk by chunk on the client, uploads the
ciphertext to S3 or a Skynet-style portal and keeps an encrypted, signed list
of the uploaded files.

Run 'skytransfer keygen' once to create a session key, then upload, list and
download files. 'skytransfer serve' exposes the same operations over HTTP.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&shareLink, "share", "", "open a read-only session from a share link")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(portalsCmd)
	rootCmd.AddCommand(benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+err.Error())
		os.Exit(1)
	}
}
