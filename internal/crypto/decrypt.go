package crypto

import (
	"context"
	"fmt"
	"io"

	"github.com/kenneth/skytransfer/internal/progress"
)

// ChunkFetcher reads byte ranges of a stored ciphertext object.
type ChunkFetcher interface {
	// FetchRange returns bytes [start, end) of the object. received, when
	// non-nil, is called with the number of bytes read so far by the current
	// attempt. Retries are the fetcher's responsibility.
	FetchRange(ctx context.Context, start, end int64, received func(n int64)) ([]byte, error)
}

// StreamDecryptor fetches ciphertext chunks one at a time, strictly in index
// order, and writes the decrypted plaintext to a writer.
type StreamDecryptor struct {
	codec         Codec
	key           []byte
	encryptedSize int64
	fetcher       ChunkFetcher
	observer      progress.Observer
}

// NewStreamDecryptor prepares a decryptor for an object of encryptedSize bytes.
func NewStreamDecryptor(codec Codec, key []byte, encryptedSize int64, fetcher ChunkFetcher, observer progress.Observer) (*StreamDecryptor, error) {
	if encryptedSize < 0 {
		return nil, fmt.Errorf("invalid encrypted size %d", encryptedSize)
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return &StreamDecryptor{
		codec:         codec,
		key:           key,
		encryptedSize: encryptedSize,
		fetcher:       fetcher,
		observer:      progress.OrNop(observer),
	}, nil
}

// TotalChunks is ceil(encryptedSize / encryptedChunkSize).
func (d *StreamDecryptor) TotalChunks() int64 {
	return TotalChunks(d.encryptedSize, d.codec.EncryptedChunkSize())
}

// ChunkRange returns the ciphertext byte range [start, end) of chunk index.
func (d *StreamDecryptor) ChunkRange(index int64) (int64, int64) {
	size := int64(d.codec.EncryptedChunkSize())
	start := index * size
	end := start + size
	if end > d.encryptedSize {
		end = d.encryptedSize
	}
	return start, end
}

// DecryptTo writes the plaintext to w and returns the number of bytes
// written. On error the bytes already written are not a valid prefix of
// the file and must be discarded by the caller.
func (d *StreamDecryptor) DecryptTo(ctx context.Context, w io.Writer) (int64, error) {
	opener, err := d.codec.NewOpener(d.key)
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk opener: %w", err)
	}

	total := d.TotalChunks()
	fetch := &fetchProgress{observer: d.observer, total: d.encryptedSize}
	var written int64

	for i := int64(0); i < total; i++ {
		start, end := d.ChunkRange(i)
		ciphertext, err := d.fetcher.FetchRange(ctx, start, end, func(n int64) {
			fetch.update(start + n)
		})
		if err != nil {
			fetch.abort()
			return written, &FetchError{Index: i, Err: err}
		}
		if int64(len(ciphertext)) != end-start {
			return written, &CorruptChunkError{
				Index: i,
				Err:   fmt.Errorf("got %d bytes, expected %d", len(ciphertext), end-start),
			}
		}
		fetch.update(end)

		plaintext, err := opener.Open(uint64(i), i == total-1, ciphertext)
		if err != nil {
			return written, &CorruptChunkError{Index: i, Err: err}
		}
		n, err := w.Write(plaintext)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
		d.observer.Observe(progress.Event{Phase: progress.PhaseDecrypt, Completed: i + 1, Total: total})
	}

	if total == 0 {
		fetch.update(0)
		d.observer.Observe(progress.Event{Phase: progress.PhaseDecrypt})
	}
	return written, nil
}

// fetchProgress turns per-attempt byte counts into a stream-wide,
// non-decreasing byte count. Bytes re-read by a retry are not reported again.
type fetchProgress struct {
	observer progress.Observer
	total    int64
	reported int64
	done     bool
}

func (f *fetchProgress) update(received int64) {
	if f.done {
		return
	}
	if received >= f.total {
		f.done = true
		f.observer.Observe(progress.Event{Phase: progress.PhaseFetch, Completed: f.total, Total: f.total})
		return
	}
	if received <= f.reported {
		return
	}
	f.reported = received
	f.observer.Observe(progress.Event{Phase: progress.PhaseFetch, Completed: received, Total: f.total})
}

func (f *fetchProgress) abort() {
	f.done = true
	f.observer.Observe(progress.Event{Phase: progress.PhaseFetch, Completed: f.reported, Total: f.total, Aborted: true})
}
