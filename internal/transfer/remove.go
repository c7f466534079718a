package transfer

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/storage"
)

// ContentReclaimer deletes the ciphertext of removed files. The scheduler
// hands it entries only after the stored manifest has dropped them, so a
// listed file always has its content.
type ContentReclaimer struct {
	store  storage.Deleter
	logger *logrus.Logger
}

// NewContentReclaimer creates a reclaimer deleting from store.
func NewContentReclaimer(store storage.Deleter, logger *logrus.Logger) *ContentReclaimer {
	return &ContentReclaimer{store: store, logger: logger}
}

// Reclaim deletes the content of refs. Failures are logged, not returned:
// no manifest references the objects either way.
func (r *ContentReclaimer) Reclaim(ctx context.Context, refs []manifest.EncryptedFileReference) {
	for _, ref := range refs {
		logger := r.logger.WithFields(logrus.Fields{
			"uuid":    ref.UUID,
			"address": ref.ContentAddress,
		})
		err := r.store.Delete(ctx, ref.ContentAddress)
		switch {
		case err == nil:
			logger.Debug("Deleted file content")
		case errors.Is(err, storage.ErrObjectNotFound):
			logger.Debug("File content already gone")
		default:
			logger.WithError(err).Warn("Failed to delete file content")
		}
	}
}
