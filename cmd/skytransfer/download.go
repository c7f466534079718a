package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/progress"
)

var (
	downloadOutput string
	downloadAll    bool
)

var downloadCmd = &cobra.Command{
	Use:   "download [uuid|path]...",
	Short: "Download and decrypt files",
	Long: `Download files by uuid or relative path into the output directory,
recreating their relative paths. A file is only written once every chunk has
been fetched and authenticated.

Examples:
  skytransfer download photos/2024/a.jpg
  skytransfer download --all -o restore/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !downloadAll && len(args) == 0 {
			return fmt.Errorf("name at least one file or pass --all")
		}
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		refs, err := selectFiles(a.scheduler.Manifest(), args, downloadAll)
		if err != nil {
			return err
		}

		var failed atomic.Int64
		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(a.cfg.Transfer.MaxParallel)
		for _, ref := range refs {
			g.Go(func() error {
				target, err := outputPath(downloadOutput, ref.RelativePath)
				if err == nil {
					observer := progress.NewLogObserver(a.logger.WithField("file", ref.RelativePath))
					err = a.downloader.DownloadToFile(ctx, ref, target, observer)
				}
				if err != nil {
					failed.Add(1)
					fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("✗"), ref.RelativePath, err)
					return nil
				}
				fmt.Printf("%s %s\n", color.GreenString("✓"), target)
				return nil
			})
		}
		_ = g.Wait()
		if n := failed.Load(); n > 0 {
			return fmt.Errorf("%d of %d downloads failed", n, len(refs))
		}
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", ".", "directory to write files to")
	downloadCmd.Flags().BoolVar(&downloadAll, "all", false, "download every file in the manifest")
}

// selectFiles resolves uuids or relative paths against the manifest.
func selectFiles(m *manifest.Manifest, args []string, all bool) ([]manifest.EncryptedFileReference, error) {
	files := m.Files()
	if all {
		return files, nil
	}
	refs := make([]manifest.EncryptedFileReference, 0, len(args))
	for _, arg := range args {
		ref, ok := lo.Find(files, func(f manifest.EncryptedFileReference) bool {
			return f.UUID == arg || f.RelativePath == arg
		})
		if !ok {
			return nil, fmt.Errorf("%s: %w", arg, manifest.ErrFileNotFound)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// outputPath places relativePath under dir, refusing paths that escape it.
func outputPath(dir, relativePath string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(relativePath))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing to write outside %s", dir)
	}
	return target, nil
}
