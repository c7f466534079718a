package crypto

import (
	"errors"
	"fmt"
	"io"

	"github.com/kenneth/skytransfer/internal/progress"
)

// StreamEncryptor turns a plaintext source of known length into an ordered,
// forward-only sequence of ciphertext chunks. It is not safe for concurrent
// use.
type StreamEncryptor struct {
	source    io.Reader
	codec     Codec
	sealer    ChunkSealer
	observer  progress.Observer
	buffer    []byte
	size      int64
	remaining int64
	index     int64
	total     int64
	reported  bool
	err       error

	// pending holds the unread tail of the current chunk for Read.
	pending []byte
}

// NewStreamEncryptor prepares an encryptor over size bytes of source.
func NewStreamEncryptor(source io.Reader, size int64, key []byte, codec Codec, observer progress.Observer) (*StreamEncryptor, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid source size %d", size)
	}
	sealer, err := codec.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk sealer: %w", err)
	}
	bufSize := codec.ChunkSize()
	if size < int64(bufSize) {
		bufSize = int(size)
	}
	return &StreamEncryptor{
		source:    source,
		codec:     codec,
		sealer:    sealer,
		observer:  progress.OrNop(observer),
		buffer:    make([]byte, bufSize),
		size:      size,
		remaining: size,
		total:     TotalChunks(size, codec.ChunkSize()),
	}, nil
}

// TotalChunks is the number of chunks the stream will produce.
func (e *StreamEncryptor) TotalChunks() int64 { return e.total }

// EncryptedSize is the exact number of ciphertext bytes the stream will produce.
func (e *StreamEncryptor) EncryptedSize() int64 { return e.codec.EncryptedSize(e.size) }

// Size is the declared plaintext length.
func (e *StreamEncryptor) Size() int64 { return e.size }

// Next returns the next ciphertext chunk, or io.EOF after the last one.
// A source failure is returned as *SourceReadError and is sticky.
func (e *StreamEncryptor) Next() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.index >= e.total {
		e.report()
		return nil, io.EOF
	}

	n := int64(e.codec.ChunkSize())
	if e.remaining < n {
		n = e.remaining
	}
	chunk := e.buffer[:n]
	if _, err := io.ReadFull(e.source, chunk); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		e.err = &SourceReadError{Index: e.index, Err: err}
		return nil, e.err
	}

	final := e.index == e.total-1
	ciphertext, err := e.sealer.Seal(uint64(e.index), final, chunk)
	if err != nil {
		e.err = fmt.Errorf("failed to encrypt chunk %d: %w", e.index, err)
		return nil, e.err
	}

	e.index++
	e.remaining -= n
	if final {
		e.report()
	} else {
		e.observer.Observe(progress.Event{Phase: progress.PhaseEncrypt, Completed: e.index, Total: e.total})
	}
	return ciphertext, nil
}

// report emits the completion event exactly once.
func (e *StreamEncryptor) report() {
	if e.reported {
		return
	}
	e.reported = true
	e.observer.Observe(progress.Event{Phase: progress.PhaseEncrypt, Completed: e.total, Total: e.total})
}

// Read implements io.Reader over the concatenated ciphertext chunks.
func (e *StreamEncryptor) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if len(e.pending) > 0 {
			n := copy(p[total:], e.pending)
			e.pending = e.pending[n:]
			total += n
			continue
		}
		chunk, err := e.Next()
		if err != nil {
			if total > 0 && err == io.EOF {
				return total, nil
			}
			return total, err
		}
		e.pending = chunk
	}
	return total, nil
}
