package manifest

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by a Store when no entry exists. Callers treat
// it as an empty manifest.
var ErrNotFound = errors.New("manifest entry not found")

// ErrInvalidSignature is returned when a stored entry was not signed by
// the owner of the public key.
var ErrInvalidSignature = errors.New("manifest entry signature invalid")

// ErrStaleEntry is returned when a store serves an entry older than one it
// has already seen for the same key.
var ErrStaleEntry = errors.New("manifest entry older than last seen revision")

// Entry is the value held in the key-value store. Data is opaque to the
// store.
type Entry struct {
	Data string `json:"data"`
}

// Store reads and writes entries keyed by (public key, key name). Writes
// are authorized by the matching private key.
type Store interface {
	Get(ctx context.Context, publicKey ed25519.PublicKey, keyName string) (Entry, error)
	Set(ctx context.Context, privateKey ed25519.PrivateKey, keyName string, entry Entry) error
}

// signedEntry is the persisted form of an Entry. The revision increases
// on every write; stores refuse a revision below the last one they saw.
type signedEntry struct {
	Data      string `json:"data"`
	Revision  uint64 `json:"revision"`
	Signature string `json:"signature"`
}

// revisionLog tracks the highest revision seen per registry key.
type revisionLog struct {
	mu   sync.Mutex
	seen map[string]uint64
}

// observe records revision for key, failing when it is below the last seen.
func (l *revisionLog) observe(key string, revision uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.seen[key]; ok && revision < last {
		return fmt.Errorf("%w: revision %d, last seen %d", ErrStaleEntry, revision, last)
	}
	if l.seen == nil {
		l.seen = make(map[string]uint64)
	}
	l.seen[key] = revision
	return nil
}

// next returns the revision a write must use when the stored entry cannot
// be trusted.
func (l *revisionLog) next(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.seen[key]; ok {
		return last + 1
	}
	return 0
}

func keyNameHash(keyName string) []byte {
	sum := sha256.Sum256([]byte(keyName))
	return sum[:]
}

func signingMessage(keyName string, revision uint64, data string) []byte {
	msg := make([]byte, 0, sha256.Size+8+len(data))
	msg = append(msg, keyNameHash(keyName)...)
	msg = binary.BigEndian.AppendUint64(msg, revision)
	return append(msg, data...)
}

func signEntry(privateKey ed25519.PrivateKey, keyName string, revision uint64, entry Entry) signedEntry {
	sig := ed25519.Sign(privateKey, signingMessage(keyName, revision, entry.Data))
	return signedEntry{Data: entry.Data, Revision: revision, Signature: hex.EncodeToString(sig)}
}

func (s signedEntry) verify(publicKey ed25519.PublicKey, keyName string) error {
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ed25519.Verify(publicKey, signingMessage(keyName, s.Revision, s.Data), sig) {
		return ErrInvalidSignature
	}
	return nil
}

func ownerOf(privateKey ed25519.PrivateKey) ed25519.PublicKey {
	return privateKey.Public().(ed25519.PublicKey)
}
