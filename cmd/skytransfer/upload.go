package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/skytransfer/internal/progress"
	"github.com/kenneth/skytransfer/internal/transfer"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>...",
	Short: "Encrypt and upload files or directories",
	Long: `Encrypt and upload files. Directories are walked and every file keeps its
path relative to the directory's parent, so uploading "photos" stores
"photos/2024/a.jpg". Uploading a file whose path is already in the manifest
replaces that entry.

Examples:
  skytransfer upload report.pdf
  skytransfer upload photos/ notes.txt`,
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

		files, err := collectFiles(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println(color.YellowString("!") + " Nothing to upload")
			return nil
		}

		stop := a.startScheduler(cmd.Context())
		uploaded, uploadErr := uploadFiles(cmd.Context(), a, files)
		syncErr := stop()

		fmt.Printf("%s Uploaded %d of %d files\n", color.GreenString("✓"), uploaded, len(files))
		if uploadErr != nil {
			return uploadErr
		}
		return syncErr
	},
}

// localFile is a file on disk and the path it is stored under.
type localFile struct {
	path         string
	relativePath string
}

// collectFiles expands args into regular files. Hidden entries inside
// directories are skipped.
func collectFiles(args []string) ([]localFile, error) {
	var files []localFile
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, localFile{path: arg, relativePath: filepath.Base(arg)})
			continue
		}
		root := filepath.Clean(arg)
		parent := filepath.Dir(root)
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return err
			}
			files = append(files, localFile{path: path, relativePath: filepath.ToSlash(rel)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", arg, err)
		}
	}
	return files, nil
}

// uploadFile uploads one file from disk.
func uploadFile(ctx context.Context, a *app, path, relativePath string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return err
	}

	observer := progress.NewLogObserver(a.logger.WithField("file", relativePath))
	_, err = a.uploader.Upload(ctx, transfer.UploadRequest{
		Reader:       f,
		Size:         info.Size(),
		FileName:     filepath.Base(path),
		MIMEType:     mtype.String(),
		RelativePath: relativePath,
	}, observer)
	return err
}

// uploadFiles uploads files concurrently. Admission bounds the number of
// transfers; the group limit only bounds open files.
func uploadFiles(ctx context.Context, a *app, files []localFile) (int64, error) {
	var uploaded atomic.Int64
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2 * a.cfg.Transfer.MaxParallel)
	for _, file := range files {
		g.Go(func() error {
			if err := uploadFile(gctx, a, file.path, file.relativePath); err != nil {
				failed.Add(1)
				a.logger.WithError(err).WithFields(logrus.Fields{"file": file.relativePath}).Debug("Upload failed")
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("✗"), file.relativePath, err)
				// Keep going: one bad file does not cancel the batch.
				return nil
			}
			uploaded.Add(1)
			fmt.Printf("%s %s\n", color.GreenString("✓"), file.relativePath)
			return nil
		})
	}
	_ = g.Wait()
	if n := failed.Load(); n > 0 {
		return uploaded.Load(), fmt.Errorf("%d uploads failed", n)
	}
	return uploaded.Load(), nil
}
