package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultLegacyChunkSize is the plaintext chunk size of the legacy scheme.
	DefaultLegacyChunkSize = 4 * 1024 * 1024

	legacySaltSize   = 16
	legacyIterations = 10000
	legacyOverhead   = legacySaltSize + aes.BlockSize
)

// legacyCodec frames each chunk as salt || AES-256-CBC(PKCS#7(plaintext)).
// Key and IV come from PBKDF2 over the file key and the chunk salt, so
// every chunk is encrypted under an independent key and carries no nonce.
type legacyCodec struct {
	chunkSize int
}

func newLegacyCodec(chunkSize int) (*legacyCodec, error) {
	if chunkSize < aes.BlockSize || chunkSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("legacy chunk size must be a positive multiple of %d, got %d", aes.BlockSize, chunkSize)
	}
	return &legacyCodec{chunkSize: chunkSize}, nil
}

func (c *legacyCodec) Type() EncryptionType   { return EncryptionTypeAES }
func (c *legacyCodec) ChunkSize() int          { return c.chunkSize }
func (c *legacyCodec) EncryptedChunkSize() int { return c.chunkSize + legacyOverhead }

func (c *legacyCodec) EncryptedSize(size int64) int64 {
	total := TotalChunks(size, c.chunkSize)
	if total == 0 {
		return 0
	}
	last := size - (total-1)*int64(c.chunkSize)
	return (total-1)*int64(c.EncryptedChunkSize()) + legacyFrameSize(last)
}

func legacyFrameSize(plaintextLen int64) int64 {
	padded := (plaintextLen/aes.BlockSize + 1) * aes.BlockSize
	return legacySaltSize + padded
}

func (c *legacyCodec) NewSealer(key []byte) (ChunkSealer, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &legacyCipher{key: key}, nil
}

func (c *legacyCodec) NewOpener(key []byte) (ChunkOpener, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &legacyCipher{key: key}, nil
}

type legacyCipher struct {
	key []byte
}

func (l *legacyCipher) block(salt []byte) (cipher.Block, []byte, error) {
	material := pbkdf2.Key(l.key, salt, legacyIterations, 32+aes.BlockSize, sha256.New)
	defer zeroBytes(material[:32])
	block, err := aes.NewCipher(material[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	iv := append([]byte(nil), material[32:]...)
	return block, iv, nil
}

func (l *legacyCipher) Seal(_ uint64, _ bool, plaintext []byte) ([]byte, error) {
	salt := make([]byte, legacySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	block, iv, err := l.block(salt)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, legacySaltSize+len(padded))
	copy(out, salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[legacySaltSize:], padded)
	return out, nil
}

func (l *legacyCipher) Open(_ uint64, _ bool, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < legacyOverhead || (len(ciphertext)-legacySaltSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed chunk of %d bytes", len(ciphertext))
	}
	block, iv, err := l.block(ciphertext[:legacySaltSize])
	if err != nil {
		return nil, err
	}

	body := ciphertext[legacySaltSize:]
	plaintext := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, body)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

// zeroBytes clears key material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
