package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSeedHex_Deterministic(t *testing.T) {
	seed := strings.Repeat("ab", 32)

	a, err := FromSeedHex(seed)
	require.NoError(t, err)
	b, err := FromSeedHex(seed)
	require.NoError(t, err)

	assert.Equal(t, a.PublicKeyHex(), b.PublicKeyHex())
	assert.Equal(t, a.EncryptionKey(), b.EncryptionKey())
	assert.True(t, a.Writable())

	got, err := a.SeedHex()
	require.NoError(t, err)
	assert.Equal(t, seed, got)
}

func TestFromSeedHex_Invalid(t *testing.T) {
	for _, seed := range []string{"", "zz", "abcd"} {
		_, err := FromSeedHex(seed)
		assert.Error(t, err, seed)
	}
}

func TestShareLink(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	link := s.ShareLink("https://example.com/")
	assert.True(t, strings.HasPrefix(link, "https://example.com/#/"+s.PublicKeyHex()+"/"))

	shared, err := ParseShareLink(link)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), shared.PublicKey())
	assert.Equal(t, s.EncryptionKey(), shared.EncryptionKey())
	assert.False(t, shared.Writable())

	_, err = shared.PrivateKey()
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = ParseShareLink("https://example.com/nothing")
	assert.Error(t, err)
}

func TestManifestKey(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	key, err := s.ManifestKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.NotEqual(t, s.EncryptionKey(), key)

	shared, err := ParseShareLink(s.ShareLink("https://example.com"))
	require.NoError(t, err)
	sharedKey, err := shared.ManifestKey()
	require.NoError(t, err)
	assert.Equal(t, key, sharedKey)
}
