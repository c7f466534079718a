// Package storagetest provides an in-memory content store served over
// HTTP for tests of the upload and download pipelines.
package storagetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kenneth/skytransfer/internal/progress"
	"github.com/kenneth/skytransfer/internal/storage"
)

// Store is an in-memory storage.ContentStore. Objects are served with
// Range support by an httptest server.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	server  *httptest.Server

	// FailUploads makes every Upload fail while set.
	FailUploads atomic.Bool
	// RejectBelow makes Upload fail for streams shorter than this many bytes.
	RejectBelow atomic.Int64
	// UploadDelay holds accepted uploads for this long, or until ctx is done.
	UploadDelay atomic.Int64
	// rangeFailures counts down GETs to answer with a 503.
	rangeFailures atomic.Int64
	requests      atomic.Int64
}

// NewStore starts the backing HTTP server. Callers must Close it.
func NewStore() *Store {
	s := &Store{objects: make(map[string][]byte)}
	s.server = httptest.NewServer(s)
	return s
}

func (s *Store) Close() { s.server.Close() }

// FailNextFetches makes the next n GET requests fail with 503.
func (s *Store) FailNextFetches(n int64) { s.rangeFailures.Store(n) }

// Requests returns the number of GET requests served or failed.
func (s *Store) Requests() int64 { return s.requests.Load() }

// Object returns a stored object.
func (s *Store) Object(address string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[address]
	return b, ok
}

// Put stores raw bytes and returns their address.
func (s *Store) Put(data []byte) string {
	sum := sha256.Sum256(data)
	address := hex.EncodeToString(sum[:])
	s.mu.Lock()
	s.objects[address] = append([]byte(nil), data...)
	s.mu.Unlock()
	return address
}

func (s *Store) Upload(ctx context.Context, r io.Reader, size int64, observer progress.Observer) (string, error) {
	if s.FailUploads.Load() {
		return "", fmt.Errorf("storage unavailable")
	}
	if size < s.RejectBelow.Load() {
		return "", fmt.Errorf("stream of %d bytes rejected", size)
	}
	if delay := time.Duration(s.UploadDelay.Load()); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("short upload: %d of %d bytes", len(data), size)
	}
	progress.OrNop(observer).Observe(progress.Event{Phase: progress.PhaseUpload, Completed: size, Total: size})
	return s.Put(data), nil
}

func (s *Store) ResolveURL(_ context.Context, address string) (string, error) {
	return s.server.URL + "/" + address, nil
}

func (s *Store) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[address]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(s.objects, address)
	return nil
}

func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.rangeFailures.Add(-1) >= 0 {
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	data, ok := s.Object(strings.TrimPrefix(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}
