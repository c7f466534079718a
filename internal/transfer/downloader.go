package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/skytransfer/internal/audit"
	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/metrics"
	"github.com/kenneth/skytransfer/internal/progress"
	"github.com/kenneth/skytransfer/internal/session"
	"github.com/kenneth/skytransfer/internal/storage"
)

// File is a fully decrypted download.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Resolver maps a content address to a URL serving byte ranges.
type Resolver interface {
	ResolveURL(ctx context.Context, address string) (string, error)
}

// DownloaderOptions configures a Downloader.
type DownloaderOptions struct {
	Metrics *metrics.Metrics
	Audit   audit.Logger
}

// Downloader fetches and decrypts files listed in a manifest.
type Downloader struct {
	resolver Resolver
	fetcher  *storage.Fetcher
	session  *session.Session
	opts     DownloaderOptions
	logger   *logrus.Logger
	tracer   trace.Tracer
}

// NewDownloader creates a downloader. Read-only sessions may download.
func NewDownloader(resolver Resolver, fetcher *storage.Fetcher, sess *session.Session, opts DownloaderOptions, logger *logrus.Logger) *Downloader {
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	return &Downloader{
		resolver: resolver,
		fetcher:  fetcher,
		session:  sess,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// Download decrypts ref into memory. No file is returned unless every
// chunk was fetched and authenticated.
func (d *Downloader) Download(ctx context.Context, ref manifest.EncryptedFileReference, observer progress.Observer) (*File, error) {
	buf := bytes.NewBuffer(make([]byte, 0, ref.Size))
	if err := d.decrypt(ctx, ref, buf, observer); err != nil {
		return nil, err
	}
	return &File{Name: ref.FileName, MIMEType: ref.MIMEType, Data: buf.Bytes()}, nil
}

// DownloadToFile decrypts ref into path. The plaintext is written to a
// temporary file in the same directory and renamed into place on success.
func (d *Downloader) DownloadToFile(ctx context.Context, ref manifest.EncryptedFileReference, path string, observer progress.Observer) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".skytransfer-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := d.decrypt(ctx, ref, tmp, observer); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

func (d *Downloader) decrypt(ctx context.Context, ref manifest.EncryptedFileReference, w io.Writer, observer progress.Observer) (err error) {
	ctx, span := d.tracer.Start(ctx, "transfer.download", trace.WithAttributes(
		attribute.String("file.uuid", ref.UUID),
		attribute.Int64("file.encrypted_size", ref.EncryptedSize),
		attribute.String("encryption.type", string(ref.EncryptionType)),
	))
	defer span.End()

	start := time.Now()
	logger := d.logger.WithFields(logrus.Fields{
		"uuid":    ref.UUID,
		"file":    ref.RelativePath,
		"address": ref.ContentAddress,
	})
	defer func() {
		duration := time.Since(start)
		d.opts.Metrics.RecordTransfer("download", err, duration, ref.Size)
		d.opts.Audit.LogDownload(audit.File{
			ID:             ref.UUID,
			Name:           ref.FileName,
			ContentAddress: ref.ContentAddress,
			EncryptionType: string(ref.EncryptionType),
			Size:           ref.Size,
		}, err, duration)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.WithError(err).Warn("Download failed")
		}
	}()

	codec, err := ref.Codec()
	if err != nil {
		return err
	}
	url, err := d.resolver.ResolveURL(ctx, ref.ContentAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", ref.ContentAddress, err)
	}
	dec, err := crypto.NewStreamDecryptor(codec, d.session.EncryptionKey(), ref.EncryptedSize, d.fetcher.Object(url, ref.ContentAddress), observer)
	if err != nil {
		return err
	}

	n, err := dec.DecryptTo(ctx, w)
	if err != nil {
		return err
	}
	if n != ref.Size {
		return fmt.Errorf("decrypted %d bytes, expected %d: %w", n, ref.Size, crypto.ErrCorruptChunk)
	}

	d.opts.Metrics.RecordChunks("decrypt", dec.TotalChunks())
	logger.WithField("duration", time.Since(start)).Info("Downloaded file")
	return nil
}
