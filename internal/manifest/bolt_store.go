package manifest

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var registryBucket = []byte("registry")

// BoltStore keeps signed entries in a local BoltDB file. It suits single
// machine setups and tests that need persistence across restarts.
type BoltStore struct {
	db        *bolt.DB
	revisions revisionLog
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(registryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func boltKey(publicKey ed25519.PublicKey, keyName string) []byte {
	return []byte(hex.EncodeToString(publicKey) + "/" + hex.EncodeToString(keyNameHash(keyName)))
}

func (s *BoltStore) load(tx *bolt.Tx, publicKey ed25519.PublicKey, keyName string) (signedEntry, error) {
	v := tx.Bucket(registryBucket).Get(boltKey(publicKey, keyName))
	if v == nil {
		return signedEntry{}, ErrNotFound
	}
	var entry signedEntry
	if err := json.Unmarshal(v, &entry); err != nil {
		return signedEntry{}, fmt.Errorf("failed to decode registry entry: %w", err)
	}
	if err := entry.verify(publicKey, keyName); err != nil {
		return signedEntry{}, err
	}
	if err := s.revisions.observe(string(boltKey(publicKey, keyName)), entry.Revision); err != nil {
		return signedEntry{}, err
	}
	return entry, nil
}

func (s *BoltStore) Get(_ context.Context, publicKey ed25519.PublicKey, keyName string) (Entry, error) {
	var entry signedEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = s.load(tx, publicKey, keyName)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return Entry{Data: entry.Data}, nil
}

func (s *BoltStore) Set(_ context.Context, privateKey ed25519.PrivateKey, keyName string, entry Entry) error {
	owner := ownerOf(privateKey)
	key := boltKey(owner, keyName)
	var revision uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := s.load(tx, owner, keyName)
		switch {
		case err == nil:
			revision = current.Revision + 1
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidSignature):
			revision = s.revisions.next(string(key))
		default:
			return err
		}
		raw, err := json.Marshal(signEntry(privateKey, keyName, revision, entry))
		if err != nil {
			return fmt.Errorf("failed to encode registry entry: %w", err)
		}
		return tx.Bucket(registryBucket).Put(key, raw)
	})
	if err != nil {
		return err
	}
	_ = s.revisions.observe(string(key), revision)
	return nil
}
