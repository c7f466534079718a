package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/skytransfer/internal/config"
	"github.com/kenneth/skytransfer/internal/progress"
)

// mockClient is an in-memory Client.
type mockClient struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]map[int32][]byte
	aborted  []string
	failPart int32
	puts     int
}

func newMockClient() *mockClient {
	return &mockClient{
		objects: make(map[string][]byte),
		uploads: make(map[string]map[int32][]byte),
	}
}

func (m *mockClient) PutObject(_ context.Context, _, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *mockClient) GetObject(_ context.Context, _, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockClient) HeadObject(_ context.Context, _, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return 0, fmt.Errorf("head %s: %w", key, ErrObjectNotFound)
	}
	return int64(len(data)), nil
}

func (m *mockClient) DeleteObject(_ context.Context, _, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *mockClient) CopyObject(_ context.Context, _, dstKey, srcKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[srcKey]
	if !ok {
		return ErrObjectNotFound
	}
	m.objects[dstKey] = data
	return nil
}

func (m *mockClient) CreateMultipartUpload(_ context.Context, _, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "upload-" + key
	m.uploads[id] = make(map[int32][]byte)
	return id, nil
}

func (m *mockClient) UploadPart(_ context.Context, _, _, uploadID string, partNumber int32, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partNumber == m.failPart {
		return "", errors.New("part rejected")
	}
	m.uploads[uploadID][partNumber] = append([]byte(nil), body...)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (m *mockClient) CompleteMultipartUpload(_ context.Context, _, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(m.uploads[uploadID][p.PartNumber])
	}
	m.objects[key] = buf.Bytes()
	delete(m.uploads, uploadID)
	return nil
}

func (m *mockClient) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = append(m.aborted, uploadID)
	delete(m.uploads, uploadID)
	return nil
}

func (m *mockClient) PresignGetObject(_ context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://%s.s3.example/%s?X-Amz-Expires=%d", bucket, key, int(expiry.Seconds())), nil
}

func newTestS3Store(client Client, partSize int64) *S3Store {
	return NewS3Store(client, &config.S3Config{
		Bucket:        "files",
		PartSize:      partSize,
		PresignExpiry: time.Hour,
	}, testLogger())
}

func addressOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestS3Store_Upload(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		partSize int64
	}{
		{name: "single put", size: 1000, partSize: 4096},
		{name: "exactly one part", size: 4096, partSize: 4096},
		{name: "multipart", size: 10000, partSize: 4096},
		{name: "empty", size: 0, partSize: 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			store := newTestS3Store(client, tt.partSize)
			data := make([]byte, tt.size)
			_, _ = rand.Read(data)

			rec := &progress.Recorder{}
			address, err := store.Upload(context.Background(), bytes.NewReader(data), int64(tt.size), rec)
			require.NoError(t, err)

			assert.Equal(t, addressOf(data), address)
			assert.Equal(t, data, client.objects[casKey(address)])
			for key := range client.objects {
				assert.False(t, strings.HasPrefix(key, stagingPrefix), "staging object %s left behind", key)
			}
			if tt.size > 0 {
				events := rec.Events(progress.PhaseUpload)
				require.NotEmpty(t, events)
				assert.True(t, events[len(events)-1].Done())
			}
		})
	}
}

func TestS3Store_UploadDeduplicates(t *testing.T) {
	client := newMockClient()
	store := newTestS3Store(client, 4096)
	data := []byte("same ciphertext")

	a, err := store.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
	b, err := store.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, client.puts)
}

func TestS3Store_UploadAbortsOnFailure(t *testing.T) {
	client := newMockClient()
	client.failPart = 2
	store := newTestS3Store(client, 1024)

	_, err := store.Upload(context.Background(), bytes.NewReader(make([]byte, 5000)), 5000, nil)
	require.Error(t, err)
	assert.Len(t, client.aborted, 1)
	assert.Empty(t, client.objects)
}

func TestS3Store_ShortSource(t *testing.T) {
	store := newTestS3Store(newMockClient(), 1024)
	_, err := store.Upload(context.Background(), bytes.NewReader(make([]byte, 10)), 100, nil)
	assert.Error(t, err)
}

func TestS3Store_ResolveAndDelete(t *testing.T) {
	client := newMockClient()
	store := newTestS3Store(client, 4096)
	address, err := store.Upload(context.Background(), strings.NewReader("hello"), 5, nil)
	require.NoError(t, err)

	url, err := store.ResolveURL(context.Background(), address)
	require.NoError(t, err)
	assert.Contains(t, url, "cas/"+address)

	require.NoError(t, store.Delete(context.Background(), address))
	assert.Empty(t, client.objects)
}
