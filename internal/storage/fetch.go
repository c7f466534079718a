package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/skytransfer/internal/cache"
	"github.com/kenneth/skytransfer/internal/metrics"
)

// FetcherOptions configures ranged fetches.
type FetcherOptions struct {
	// Retries is the number of retries after the first attempt.
	Retries int
	// Backoff is the initial retry interval. It grows exponentially.
	Backoff time.Duration
	// Timeout bounds a single attempt. Zero disables it.
	Timeout time.Duration
}

// Fetcher issues ranged GET requests with retries.
type Fetcher struct {
	client  *http.Client
	opts    FetcherOptions
	cache   cache.Cache
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewFetcher creates a fetcher. chunkCache may be nil.
func NewFetcher(client *http.Client, opts FetcherOptions, chunkCache cache.Cache, m *metrics.Metrics, logger *logrus.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, opts: opts, cache: chunkCache, metrics: m, logger: logger}
}

// Object binds the fetcher to one object URL. address keys the chunk cache.
func (f *Fetcher) Object(url, address string) *ObjectFetcher {
	return &ObjectFetcher{fetcher: f, url: url, address: address}
}

// ObjectFetcher reads byte ranges of one object.
type ObjectFetcher struct {
	fetcher *Fetcher
	url     string
	address string
}

// FetchRange returns bytes [start, end). Every failure is retried until the
// retry budget is spent, except context cancellation.
func (o *ObjectFetcher) FetchRange(ctx context.Context, start, end int64, received func(n int64)) ([]byte, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	f := o.fetcher
	key := cache.ChunkKey{Address: o.address, Offset: start}
	if f.cache != nil {
		if data, ok := f.cache.Get(ctx, key); ok && int64(len(data)) == end-start {
			f.metrics.RecordCacheResult(true)
			if received != nil {
				received(int64(len(data)))
			}
			return data, nil
		}
		f.metrics.RecordCacheResult(false)
	}

	b := backoff.NewExponentialBackOff()
	if f.opts.Backoff > 0 {
		b.InitialInterval = f.opts.Backoff
	}

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		data, err := o.attempt(ctx, start, end, received)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return data, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.opts.Retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.metrics.RecordFetchRetry()
			f.logger.WithError(err).WithFields(logrus.Fields{
				"address": o.address,
				"start":   start,
				"end":     end,
				"retry":   next,
			}).Debug("Retrying ranged fetch")
		}),
	)
	if err != nil {
		f.metrics.RecordFetchAbort()
		return nil, err
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, key, data); err != nil {
			f.logger.WithError(err).Debug("Chunk not cached")
		}
	}
	return data, nil
}

func (o *ObjectFetcher) attempt(ctx context.Context, start, end int64, received func(n int64)) ([]byte, error) {
	if o.fetcher.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.fetcher.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := o.fetcher.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		// A 200 carries the whole object: the range was not honored.
		if resp.StatusCode == http.StatusOK {
			return nil, ErrRangeNotSatisfied
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	want := end - start
	buf := make([]byte, 0, want)
	chunk := make([]byte, 32*1024)
	body := io.LimitReader(resp.Body, want+1)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if received != nil && int64(len(buf)) <= want {
				received(int64(len(buf)))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if int64(len(buf)) != want {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrRangeNotSatisfied, len(buf), want)
	}
	return buf, nil
}
