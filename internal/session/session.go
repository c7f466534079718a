// Package session holds the key material of a user session: an ed25519
// keypair that owns the remote manifest and the symmetric keys derived from
// it. Generating and persisting the keypair is left to the caller.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/kenneth/skytransfer/internal/crypto"
)

// ErrReadOnly is returned when a write requires the private key.
var ErrReadOnly = errors.New("session is read-only")

// Session carries the keys used by uploads, downloads and manifest sync.
type Session struct {
	publicKey     ed25519.PublicKey
	privateKey    ed25519.PrivateKey
	encryptionKey []byte
}

// New builds a writable session from an ed25519 private key.
func New(privateKey ed25519.PrivateKey) (*Session, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(privateKey))
	}
	key, err := crypto.DeriveKey(privateKey.Seed(), crypto.LabelFileEncryption)
	if err != nil {
		return nil, err
	}
	return &Session{
		publicKey:     privateKey.Public().(ed25519.PublicKey),
		privateKey:    privateKey,
		encryptionKey: key,
	}, nil
}

// Generate creates a session with a fresh random keypair.
func Generate() (*Session, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return New(priv)
}

// FromSeedHex builds a session from a hex encoded 32 byte ed25519 seed.
func FromSeedHex(seedHex string) (*Session, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	return New(ed25519.NewKeyFromSeed(seed))
}

// ReadOnly builds a session that can read a shared manifest and download
// its files but cannot write the manifest.
func ReadOnly(publicKeyHex, encryptionKeyHex string) (*Session, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key %q", publicKeyHex)
	}
	key, err := hex.DecodeString(encryptionKeyHex)
	if err != nil || len(key) != crypto.KeySize {
		return nil, fmt.Errorf("invalid encryption key")
	}
	return &Session{publicKey: ed25519.PublicKey(pub), encryptionKey: key}, nil
}

func (s *Session) PublicKey() ed25519.PublicKey { return s.publicKey }

// PrivateKey returns the signing key, or ErrReadOnly.
func (s *Session) PrivateKey() (ed25519.PrivateKey, error) {
	if s.privateKey == nil {
		return nil, ErrReadOnly
	}
	return s.privateKey, nil
}

// EncryptionKey is the file encryption key.
func (s *Session) EncryptionKey() []byte { return s.encryptionKey }

// ManifestKey seals the manifest. It is derived from the encryption key so
// a read-only session can open the shared manifest.
func (s *Session) ManifestKey() ([]byte, error) {
	return crypto.DeriveKey(s.encryptionKey, crypto.LabelManifestEncryption)
}

func (s *Session) Writable() bool { return s.privateKey != nil }

func (s *Session) PublicKeyHex() string { return hex.EncodeToString(s.publicKey) }

// SeedHex returns the hex seed of a writable session, for persisting it.
func (s *Session) SeedHex() (string, error) {
	if s.privateKey == nil {
		return "", ErrReadOnly
	}
	return hex.EncodeToString(s.privateKey.Seed()), nil
}

// ShareLink returns a link granting read access to the file list.
func (s *Session) ShareLink(base string) string {
	return fmt.Sprintf("%s/#/%s/%s", strings.TrimRight(base, "/"), s.PublicKeyHex(), hex.EncodeToString(s.encryptionKey))
}

// ParseShareLink extracts the public key and encryption key of a share link
// and returns a read-only session.
func ParseShareLink(link string) (*Session, error) {
	idx := strings.Index(link, "#/")
	if idx < 0 {
		return nil, fmt.Errorf("invalid share link")
	}
	parts := strings.Split(strings.Trim(link[idx+2:], "/"), "/")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid share link")
	}
	return ReadOnly(parts[0], parts[1])
}
