// Package storage moves ciphertext to and from content-addressed backends.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/kenneth/skytransfer/internal/progress"
)

var (
	// ErrObjectNotFound is returned when an object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrRangeNotSatisfied is returned when a backend ignores or mangles a
	// Range request. Fetchers treat it as transient.
	ErrRangeNotSatisfied = errors.New("range request not honored")
)

// ContentStore stores immutable objects and resolves their content address
// to a URL that serves byte ranges.
type ContentStore interface {
	// Upload consumes exactly size bytes from r and returns the object's
	// content address. Upload progress is reported in bytes.
	Upload(ctx context.Context, r io.Reader, size int64, observer progress.Observer) (string, error)
	// ResolveURL returns a URL serving the object with Range support.
	ResolveURL(ctx context.Context, address string) (string, error)
}

// Deleter is implemented by stores that can remove objects.
type Deleter interface {
	Delete(ctx context.Context, address string) error
}

// countingReader reports upload progress as bytes are consumed.
type countingReader struct {
	r        io.Reader
	read     int64
	total    int64
	observer progress.Observer
}

func newCountingReader(r io.Reader, total int64, observer progress.Observer) *countingReader {
	return &countingReader{r: r, total: total, observer: progress.OrNop(observer)}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		c.observer.Observe(progress.Event{Phase: progress.PhaseUpload, Completed: c.read, Total: c.total})
	}
	return n, err
}
