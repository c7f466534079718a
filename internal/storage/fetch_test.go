package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/skytransfer/internal/cache"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// rangeServer serves data with Range support after failing the first
// failures requests with status failStatus.
func rangeServer(t *testing.T, data []byte, failures int64, failStatus int) (*httptest.Server, *atomic.Int64, *atomic.Value) {
	t.Helper()
	var calls atomic.Int64
	var lastRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		lastRange.Store(r.Header.Get("Range"))
		if n <= failures {
			if failStatus == http.StatusOK {
				_, _ = w.Write(data)
				return
			}
			w.WriteHeader(failStatus)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &lastRange
}

func fastOptions(retries int) FetcherOptions {
	return FetcherOptions{Retries: retries, Backoff: time.Millisecond, Timeout: 5 * time.Second}
}

func TestFetchRange(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	srv, calls, lastRange := rangeServer(t, data, 0, 0)

	f := NewFetcher(srv.Client(), fastOptions(2), nil, nil, testLogger())
	var progress []int64
	got, err := f.Object(srv.URL, "obj").FetchRange(context.Background(), 100, 300, func(n int64) {
		progress = append(progress, n)
	})
	require.NoError(t, err)

	assert.Equal(t, data[100:300], got)
	assert.Equal(t, "bytes=100-299", lastRange.Load())
	assert.Equal(t, int64(1), calls.Load())
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(200), progress[len(progress)-1])
}

func TestFetchRange_Retries(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 500)

	tests := []struct {
		name       string
		failures   int64
		failStatus int
		retries    int
		wantErr    bool
		wantCalls  int64
	}{
		{name: "recovers after transient errors", failures: 2, failStatus: http.StatusServiceUnavailable, retries: 2, wantCalls: 3},
		{name: "full body response is retried", failures: 1, failStatus: http.StatusOK, retries: 1, wantCalls: 2},
		{name: "client errors are retried too", failures: 1, failStatus: http.StatusNotFound, retries: 3, wantCalls: 2},
		{name: "budget exhausted", failures: 4, failStatus: http.StatusBadGateway, retries: 3, wantErr: true, wantCalls: 4},
		{name: "no retries", failures: 1, failStatus: http.StatusBadGateway, retries: 0, wantErr: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls, _ := rangeServer(t, data, tt.failures, tt.failStatus)
			f := NewFetcher(srv.Client(), fastOptions(tt.retries), nil, nil, testLogger())

			got, err := f.Object(srv.URL, "obj").FetchRange(context.Background(), 0, 100, nil)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Len(t, got, 100)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestFetchRange_FullBodyIsNotSuccess(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 300)
	srv, _, _ := rangeServer(t, data, 10, http.StatusOK)
	f := NewFetcher(srv.Client(), fastOptions(1), nil, nil, testLogger())

	_, err := f.Object(srv.URL, "obj").FetchRange(context.Background(), 0, 100, nil)
	assert.ErrorIs(t, err, ErrRangeNotSatisfied)
}

func TestFetchRange_ContextCancelled(t *testing.T) {
	srv, calls, _ := rangeServer(t, []byte("data"), 100, http.StatusServiceUnavailable)
	f := NewFetcher(srv.Client(), FetcherOptions{Retries: 50, Backoff: 50 * time.Millisecond}, nil, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Object(srv.URL, "obj").FetchRange(ctx, 0, 4, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), fmt.Sprint(err))
	assert.Less(t, calls.Load(), int64(50))
}

func TestFetchRange_Cache(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 400)
	srv, calls, _ := rangeServer(t, data, 0, 0)
	c := cache.NewMemoryCache(1<<20, 100, time.Minute)
	f := NewFetcher(srv.Client(), fastOptions(0), c, nil, testLogger())
	obj := f.Object(srv.URL, "obj")

	for i := 0; i < 3; i++ {
		got, err := obj.FetchRange(context.Background(), 100, 200, nil)
		require.NoError(t, err)
		assert.Len(t, got, 100)
	}
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(2), c.Stats().Hits)
}

func TestFetchRange_InvalidRange(t *testing.T) {
	f := NewFetcher(nil, fastOptions(0), nil, nil, testLogger())
	_, err := f.Object("http://127.0.0.1:1", "obj").FetchRange(context.Background(), 10, 10, nil)
	assert.Error(t, err)
}
