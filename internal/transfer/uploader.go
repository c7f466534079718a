package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/skytransfer/internal/admission"
	"github.com/kenneth/skytransfer/internal/audit"
	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/metrics"
	"github.com/kenneth/skytransfer/internal/progress"
	"github.com/kenneth/skytransfer/internal/session"
	"github.com/kenneth/skytransfer/internal/storage"
)

const tracerName = "skytransfer/transfer"

// UploadRequest describes one plaintext file to upload.
type UploadRequest struct {
	Reader       io.Reader
	Size         int64
	FileName     string
	MIMEType     string
	RelativePath string
}

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	EncryptionType crypto.EncryptionType
	// ChunkSize overrides the scheme's default plaintext chunk size.
	ChunkSize     int
	Offload       bool
	OffloadBuffer int
	Metrics       *metrics.Metrics
	Audit         audit.Logger
}

// Uploader encrypts files chunk by chunk, streams the ciphertext to a
// content store and records the result in the manifest.
type Uploader struct {
	store     storage.ContentStore
	admission *admission.Controller
	scheduler *manifest.Scheduler
	session   *session.Session
	codec     crypto.Codec
	opts      UploaderOptions
	logger    *logrus.Logger
	tracer    trace.Tracer
}

// NewUploader creates an uploader.
func NewUploader(store storage.ContentStore, admit *admission.Controller, scheduler *manifest.Scheduler, sess *session.Session, opts UploaderOptions, logger *logrus.Logger) (*Uploader, error) {
	if !sess.Writable() {
		return nil, session.ErrReadOnly
	}
	var (
		codec crypto.Codec
		err   error
	)
	if opts.ChunkSize > 0 {
		codec, err = crypto.CodecWithChunkSize(opts.EncryptionType, opts.ChunkSize)
	} else {
		codec, err = crypto.CodecFor(opts.EncryptionType)
	}
	if err != nil {
		return nil, err
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	return &Uploader{
		store:     store,
		admission: admit,
		scheduler: scheduler,
		session:   sess,
		codec:     codec,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Upload waits for admission, encrypts and stores req, and adds the
// resulting reference to the manifest. Encrypt and upload progress are
// reported to observer.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest, observer progress.Observer) (ref manifest.EncryptedFileReference, err error) {
	if req.RelativePath == "" {
		req.RelativePath = req.FileName
	}
	ctx, span := u.tracer.Start(ctx, "transfer.upload", trace.WithAttributes(
		attribute.String("file.relative_path", req.RelativePath),
		attribute.Int64("file.size", req.Size),
		attribute.String("encryption.type", string(u.codec.Type())),
	))
	defer span.End()

	start := time.Now()
	logger := u.logger.WithFields(logrus.Fields{
		"file":       req.RelativePath,
		"size":       req.Size,
		"encryption": u.codec.Type(),
	})

	u.scheduler.FileQueued()
	defer func() {
		duration := time.Since(start)
		u.opts.Metrics.RecordTransfer("upload", err, duration, req.Size)
		u.opts.Audit.LogUpload(audit.File{
			ID:             ref.UUID,
			Name:           req.FileName,
			ContentAddress: ref.ContentAddress,
			EncryptionType: string(u.codec.Type()),
			Size:           req.Size,
		}, err, duration)
		if err != nil {
			u.scheduler.FileFailed()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.WithError(err).Warn("Upload failed")
		}
	}()

	release, err := u.admission.Admit(ctx)
	if err != nil {
		return manifest.EncryptedFileReference{}, fmt.Errorf("failed to admit upload: %w", err)
	}
	defer release()
	span.AddEvent("admitted")

	src := NewChunkSource(u.codec, u.opts.Offload, u.opts.OffloadBuffer)
	if err := src.Init(req.Reader, req.Size, u.session.EncryptionKey(), observer); err != nil {
		return manifest.EncryptedFileReference{}, err
	}
	defer src.Terminate()

	address, err := u.store.Upload(ctx, NewChunkReader(ctx, src), src.StreamSize(), observer)
	if err != nil {
		return manifest.EncryptedFileReference{}, fmt.Errorf("failed to upload %s: %w", req.RelativePath, err)
	}

	ref = manifest.EncryptedFileReference{
		UUID:           uuid.NewString(),
		ContentAddress: address,
		EncryptionType: u.codec.Type(),
		FileName:       req.FileName,
		MIMEType:       req.MIMEType,
		RelativePath:   req.RelativePath,
		Size:           req.Size,
		EncryptedSize:  src.StreamSize(),
	}
	if u.codec.ChunkSize() != defaultChunkSize(u.codec.Type()) {
		ref.ChunkSize = u.codec.ChunkSize()
	}
	if err := u.scheduler.FileUploaded(ref); err != nil {
		return manifest.EncryptedFileReference{}, err
	}

	u.opts.Metrics.RecordChunks("encrypt", crypto.TotalChunks(req.Size, u.codec.ChunkSize()))
	span.SetAttributes(attribute.String("file.uuid", ref.UUID))
	logger.WithFields(logrus.Fields{
		"uuid":     ref.UUID,
		"address":  address,
		"duration": time.Since(start),
	}).Info("Uploaded file")
	return ref, nil
}

func defaultChunkSize(t crypto.EncryptionType) int {
	codec, err := crypto.CodecFor(t)
	if err != nil {
		return 0
	}
	return codec.ChunkSize()
}
