package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/skytransfer/internal/config"
	"github.com/kenneth/skytransfer/internal/progress"
)

const (
	casPrefix     = "cas/"
	stagingPrefix = "staging/"
)

// S3Store is a content-addressed store on an S3 bucket. Objects live under
// cas/<sha256 of ciphertext>. Uploads larger than one part are streamed to
// a staging key with a multipart upload and copied into place once their
// hash is known.
type S3Store struct {
	client        Client
	bucket        string
	partSize      int64
	presignExpiry time.Duration
	logger        *logrus.Logger
}

// NewS3Store creates an S3 content store.
func NewS3Store(client Client, cfg *config.S3Config, logger *logrus.Logger) *S3Store {
	return &S3Store{
		client:        client,
		bucket:        cfg.Bucket,
		partSize:      cfg.PartSize,
		presignExpiry: cfg.PresignExpiry,
		logger:        logger,
	}
}

func casKey(address string) string { return casPrefix + address }

func (s *S3Store) Upload(ctx context.Context, r io.Reader, size int64, observer progress.Observer) (string, error) {
	h := sha256.New()
	body := io.TeeReader(newCountingReader(io.LimitReader(r, size), size, observer), h)

	if size <= s.partSize {
		return s.putSingle(ctx, body, size, h)
	}
	return s.putMultipart(ctx, body, size, h)
}

func (s *S3Store) putSingle(ctx context.Context, body io.Reader, size int64, h hash.Hash) (string, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(body, buf); err != nil {
		return "", fmt.Errorf("failed to read upload body: %w", err)
	}
	address := hex.EncodeToString(h.Sum(nil))

	exists, err := s.exists(ctx, casKey(address))
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.client.PutObject(ctx, s.bucket, casKey(address), buf); err != nil {
			return "", err
		}
	}
	return address, nil
}

func (s *S3Store) putMultipart(ctx context.Context, body io.Reader, size int64, h hash.Hash) (address string, err error) {
	staging := stagingPrefix + uuid.NewString()
	uploadID, err := s.client.CreateMultipartUpload(ctx, s.bucket, staging)
	if err != nil {
		return "", err
	}
	defer func() {
		if err == nil {
			return
		}
		// The caller's context may already be cancelled.
		abortCtx := context.WithoutCancel(ctx)
		if abortErr := s.client.AbortMultipartUpload(abortCtx, s.bucket, staging, uploadID); abortErr != nil {
			s.logger.WithError(abortErr).WithField("key", staging).Warn("Failed to abort multipart upload")
		}
	}()

	var parts []CompletedPart
	buf := make([]byte, s.partSize)
	for remaining, part := size, int32(1); remaining > 0; part++ {
		n := min(remaining, s.partSize)
		if _, err := io.ReadFull(body, buf[:n]); err != nil {
			return "", fmt.Errorf("failed to read part %d: %w", part, err)
		}
		etag, err := s.client.UploadPart(ctx, s.bucket, staging, uploadID, part, buf[:n])
		if err != nil {
			return "", err
		}
		parts = append(parts, CompletedPart{PartNumber: part, ETag: etag})
		remaining -= n
	}
	if err := s.client.CompleteMultipartUpload(ctx, s.bucket, staging, uploadID, parts); err != nil {
		return "", err
	}

	address = hex.EncodeToString(h.Sum(nil))
	exists, err := s.exists(ctx, casKey(address))
	if err != nil {
		return "", err
	}
	if !exists {
		if err := s.client.CopyObject(ctx, s.bucket, casKey(address), staging); err != nil {
			return "", err
		}
	}
	if err := s.client.DeleteObject(ctx, s.bucket, staging); err != nil {
		s.logger.WithError(err).WithField("key", staging).Warn("Failed to delete staging object")
	}
	return address, nil
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, s.bucket, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3Store) ResolveURL(ctx context.Context, address string) (string, error) {
	return s.client.PresignGetObject(ctx, s.bucket, casKey(address), s.presignExpiry)
}

// Delete removes the object. Content is shared by identical uploads, so
// callers must only delete addresses no manifest entry references.
func (s *S3Store) Delete(ctx context.Context, address string) error {
	return s.client.DeleteObject(ctx, s.bucket, casKey(address))
}
