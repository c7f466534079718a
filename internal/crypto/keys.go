package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key derivation labels. Each label yields an independent key from the same
// session secret.
const (
	LabelFileEncryption     = "skytransfer file encryption v1"
	LabelManifestEncryption = "skytransfer manifest encryption v1"
)

// DeriveKey derives a KeySize key from secret using HKDF-SHA256.
func DeriveKey(secret []byte, label string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty key derivation secret")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
