package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kenneth/skytransfer/internal/manifest"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the files in the manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		files := a.scheduler.Manifest().Files()
		if len(files) == 0 {
			fmt.Println(color.YellowString("!") + " No files uploaded yet")
			return nil
		}
		sort.Slice(files, func(i, j int) bool { return files[i].RelativePath < files[j].RelativePath })
		renderFiles(files)
		return nil
	},
}

func renderFiles(files []manifest.EncryptedFileReference) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"UUID", "Path", "Size", "Type", "Encryption"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	var total int64
	for _, f := range files {
		table.Append([]string{f.UUID, f.RelativePath, humanSize(f.Size), f.MIMEType, string(f.EncryptionType)})
		total += f.Size
	}
	table.Render()
	fmt.Printf("\n%d files, %s\n", len(files), humanSize(total))
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
