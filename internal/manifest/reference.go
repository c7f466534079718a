// Package manifest keeps the encrypted list of uploaded files and
// synchronizes it to a remote key-value store.
package manifest

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/kenneth/skytransfer/internal/crypto"
)

var validate = validator.New()

// EncryptedFileReference describes one uploaded file. References are
// replaced, never patched.
type EncryptedFileReference struct {
	UUID           string                `json:"uuid" validate:"required,uuid"`
	ContentAddress string                `json:"contentAddress" validate:"required"`
	EncryptionType crypto.EncryptionType `json:"encryptionType" validate:"required"`
	// ChunkSize is the plaintext chunk size, zero for the scheme default.
	ChunkSize     int    `json:"chunkSize,omitempty" validate:"gte=0"`
	FileName      string `json:"fileName" validate:"required"`
	MIMEType      string `json:"mimeType"`
	RelativePath  string `json:"relativePath" validate:"required"`
	Size          int64  `json:"size" validate:"gte=0"`
	EncryptedSize int64  `json:"encryptedSize" validate:"gte=0"`
}

// Codec returns the chunk codec the file was encrypted with.
func (r EncryptedFileReference) Codec() (crypto.Codec, error) {
	if r.ChunkSize == 0 {
		return crypto.CodecFor(r.EncryptionType)
	}
	return crypto.CodecWithChunkSize(r.EncryptionType, r.ChunkSize)
}

// Validate checks the required fields and that the sizes agree with the
// codec framing.
func (r EncryptedFileReference) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid file reference: %w", err)
	}
	codec, err := r.Codec()
	if err != nil {
		return err
	}
	if want := codec.EncryptedSize(r.Size); want != r.EncryptedSize {
		return fmt.Errorf("invalid file reference %s: encrypted size %d, expected %d", r.UUID, r.EncryptedSize, want)
	}
	return nil
}
