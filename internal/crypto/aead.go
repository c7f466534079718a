package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DefaultAEADChunkSize is the plaintext chunk size of the AEAD scheme.
	DefaultAEADChunkSize = 1024 * 1024

	// MinAEADChunkSize bounds custom chunk sizes from below.
	MinAEADChunkSize = 1024

	aeadNonceSize = chacha20poly1305.NonceSizeX
	aeadTagSize   = chacha20poly1305.Overhead

	// AEADOverhead is the fixed per-chunk overhead: nonce plus tag.
	AEADOverhead = aeadNonceSize + aeadTagSize
)

// NonceSequence derives per-chunk nonces from a per-stream base nonce.
// The big-endian chunk index is XORed into the last 8 bytes, so distinct
// indices always give distinct nonces.
type NonceSequence struct {
	base []byte
}

// NewNonceSequence draws a random base nonce.
func NewNonceSequence() (*NonceSequence, error) {
	base := make([]byte, aeadNonceSize)
	if _, err := rand.Read(base); err != nil {
		return nil, fmt.Errorf("failed to generate base nonce: %w", err)
	}
	return &NonceSequence{base: base}, nil
}

// Derive returns the nonce for chunk index.
func (s *NonceSequence) Derive(index uint64) []byte {
	nonce := make([]byte, len(s.base))
	copy(nonce, s.base)

	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= idx[i]
	}
	return nonce
}

type aeadCodec struct {
	chunkSize int
}

func newAEADCodec(chunkSize int) (*aeadCodec, error) {
	if chunkSize < MinAEADChunkSize {
		return nil, fmt.Errorf("chunk size %d below minimum %d", chunkSize, MinAEADChunkSize)
	}
	return &aeadCodec{chunkSize: chunkSize}, nil
}

func (c *aeadCodec) Type() EncryptionType   { return EncryptionTypeXChaCha20Poly1305 }
func (c *aeadCodec) ChunkSize() int          { return c.chunkSize }
func (c *aeadCodec) EncryptedChunkSize() int { return c.chunkSize + AEADOverhead }

func (c *aeadCodec) EncryptedSize(size int64) int64 {
	return size + TotalChunks(size, c.chunkSize)*AEADOverhead
}

func (c *aeadCodec) NewSealer(key []byte) (ChunkSealer, error) {
	aead, err := newXChaCha(key)
	if err != nil {
		return nil, err
	}
	nonces, err := NewNonceSequence()
	if err != nil {
		return nil, err
	}
	return &aeadSealer{aead: aead, nonces: nonces}, nil
}

func (c *aeadCodec) NewOpener(key []byte) (ChunkOpener, error) {
	aead, err := newXChaCha(key)
	if err != nil {
		return nil, err
	}
	return &aeadOpener{aead: aead}, nil
}

func newXChaCha(key []byte) (cipher.AEAD, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

// chunkAAD binds the chunk position and the final flag into the tag, so
// chunks cannot be reordered or the stream truncated at a chunk boundary.
func chunkAAD(index uint64, final bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)
	if final {
		aad[8] = 1
	}
	return aad
}

type aeadSealer struct {
	aead   cipher.AEAD
	nonces *NonceSequence
}

func (s *aeadSealer) Seal(index uint64, final bool, plaintext []byte) ([]byte, error) {
	nonce := s.nonces.Derive(index)
	out := make([]byte, 0, len(nonce)+len(plaintext)+aeadTagSize)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, chunkAAD(index, final)), nil
}

type aeadOpener struct {
	aead   cipher.AEAD
	nonces *NonceSequence
}

func (o *aeadOpener) Open(index uint64, final bool, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < AEADOverhead {
		return nil, fmt.Errorf("chunk too short: %d bytes", len(ciphertext))
	}
	nonce, sealed := ciphertext[:aeadNonceSize], ciphertext[aeadNonceSize:]

	if o.nonces == nil {
		if index != 0 {
			return nil, fmt.Errorf("stream must be opened from chunk 0, got %d", index)
		}
		o.nonces = &NonceSequence{base: append([]byte(nil), nonce...)}
	} else if !bytes.Equal(nonce, o.nonces.Derive(index)) {
		return nil, fmt.Errorf("unexpected nonce for chunk %d", index)
	}

	plaintext, err := o.aead.Open(nil, nonce, sealed, chunkAAD(index, final))
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}
