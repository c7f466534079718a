package manifest

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/skytransfer/internal/storage"
)

const registryPrefix = "registry/"

// S3Store keeps signed entries in an S3 bucket under
// registry/<public key>/<sha256 of key name>.
type S3Store struct {
	client    storage.Client
	bucket    string
	logger    *logrus.Logger
	revisions revisionLog
}

// NewS3Store creates a registry on top of an S3 client.
func NewS3Store(client storage.Client, bucket string, logger *logrus.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, logger: logger}
}

func registryKey(publicKey ed25519.PublicKey, keyName string) string {
	return registryPrefix + hex.EncodeToString(publicKey) + "/" + hex.EncodeToString(keyNameHash(keyName))
}

func (s *S3Store) load(ctx context.Context, publicKey ed25519.PublicKey, keyName string) (signedEntry, error) {
	key := registryKey(publicKey, keyName)
	body, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return signedEntry{}, ErrNotFound
		}
		return signedEntry{}, fmt.Errorf("failed to read registry entry: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return signedEntry{}, fmt.Errorf("failed to read registry entry: %w", err)
	}
	var entry signedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return signedEntry{}, fmt.Errorf("failed to decode registry entry: %w", err)
	}
	if err := entry.verify(publicKey, keyName); err != nil {
		return signedEntry{}, err
	}
	if err := s.revisions.observe(key, entry.Revision); err != nil {
		return signedEntry{}, err
	}
	return entry, nil
}

func (s *S3Store) Get(ctx context.Context, publicKey ed25519.PublicKey, keyName string) (Entry, error) {
	entry, err := s.load(ctx, publicKey, keyName)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Data: entry.Data}, nil
}

func (s *S3Store) Set(ctx context.Context, privateKey ed25519.PrivateKey, keyName string, entry Entry) error {
	owner := ownerOf(privateKey)
	key := registryKey(owner, keyName)
	var revision uint64
	current, err := s.load(ctx, owner, keyName)
	switch {
	case err == nil:
		revision = current.Revision + 1
	case errors.Is(err, ErrNotFound):
		revision = s.revisions.next(key)
	case errors.Is(err, ErrInvalidSignature):
		// Overwrite an entry we cannot verify rather than wedge the session.
		s.logger.WithField("key", key).Warn("Replacing registry entry with invalid signature")
		revision = s.revisions.next(key)
	default:
		return err
	}

	raw, err := json.Marshal(signEntry(privateKey, keyName, revision, entry))
	if err != nil {
		return fmt.Errorf("failed to encode registry entry: %w", err)
	}
	if err := s.client.PutObject(ctx, s.bucket, key, raw); err != nil {
		return fmt.Errorf("failed to write registry entry: %w", err)
	}
	_ = s.revisions.observe(key, revision)
	s.logger.WithFields(logrus.Fields{
		"owner":    hex.EncodeToString(owner),
		"revision": revision,
	}).Debug("Wrote registry entry")
	return nil
}
