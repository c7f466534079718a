package manifest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedVersion = 1

// ErrUndecryptable is returned when a sealed manifest cannot be opened
// with the given key.
var ErrUndecryptable = errors.New("manifest cannot be decrypted")

type sealedPayload struct {
	Version int                      `json:"version"`
	Files   []EncryptedFileReference `json:"files"`
}

// Seal encrypts the file list into the opaque string stored remotely.
func Seal(key []byte, files []EncryptedFileReference) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create manifest cipher: %w", err)
	}
	if files == nil {
		files = []EncryptedFileReference{}
	}
	plaintext, err := json.Marshal(sealedPayload{Version: sealedVersion, Files: files})
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// Open decrypts a sealed manifest and validates every entry.
func Open(key []byte, data string) ([]EncryptedFileReference, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest cipher: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrUndecryptable
	}
	plaintext, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrUndecryptable
	}

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if payload.Version != sealedVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", payload.Version)
	}
	for _, f := range payload.Files {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	return payload.Files, nil
}
