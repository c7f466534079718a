// Package transfer runs the upload and download pipelines: admission,
// chunked encryption, storage and manifest bookkeeping.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/progress"
)

var (
	// ErrStreamAborted is returned by ReadChunk after Terminate. The chunks
	// read so far are not a complete file.
	ErrStreamAborted = errors.New("chunk stream aborted")
	// ErrNotInitialized is returned when a source is used before Init.
	ErrNotInitialized = errors.New("chunk source not initialized")
)

// ChunkMessage is one unit of a chunk stream. Done is set on the message
// after the last chunk, which carries no value.
type ChunkMessage struct {
	Value []byte
	Done  bool
}

// ChunkSource produces the ciphertext chunks of one file. Init is called
// once, then ReadChunk until a message has Done set. Observers may be
// called from another goroutine.
type ChunkSource interface {
	Init(r io.Reader, size int64, key []byte, observer progress.Observer) error
	ReadChunk(ctx context.Context) (ChunkMessage, error)
	// StreamSize is the ciphertext length.
	StreamSize() int64
	// Terminate stops the stream. It is safe to call more than once.
	Terminate()
}

// NewChunkSource returns a worker-backed source when offload is set and an
// inline one otherwise. buffer bounds the chunks queued ahead of the reader.
func NewChunkSource(codec crypto.Codec, offload bool, buffer int) ChunkSource {
	if offload {
		return &workerSource{codec: codec, buffer: max(buffer, 1)}
	}
	return &inlineSource{codec: codec}
}

// nextMessage is the single step shared by both sources.
func nextMessage(enc *crypto.StreamEncryptor) (ChunkMessage, error) {
	chunk, err := enc.Next()
	if errors.Is(err, io.EOF) {
		return ChunkMessage{Done: true}, nil
	}
	if err != nil {
		return ChunkMessage{}, err
	}
	return ChunkMessage{Value: chunk}, nil
}

func newEncryptor(codec crypto.Codec, r io.Reader, size int64, key []byte, observer progress.Observer) (*crypto.StreamEncryptor, error) {
	enc, err := crypto.NewStreamEncryptor(r, size, key, codec, observer)
	if err != nil {
		return nil, fmt.Errorf("failed to init encryption reader: %w", err)
	}
	return enc, nil
}

// inlineSource encrypts on the caller's goroutine.
type inlineSource struct {
	codec      crypto.Codec
	enc        *crypto.StreamEncryptor
	terminated bool
}

func (s *inlineSource) Init(r io.Reader, size int64, key []byte, observer progress.Observer) error {
	if s.enc != nil {
		return errors.New("chunk source already initialized")
	}
	enc, err := newEncryptor(s.codec, r, size, key, observer)
	if err != nil {
		return err
	}
	s.enc = enc
	return nil
}

func (s *inlineSource) ReadChunk(ctx context.Context) (ChunkMessage, error) {
	if s.enc == nil {
		return ChunkMessage{}, ErrNotInitialized
	}
	if s.terminated {
		return ChunkMessage{}, ErrStreamAborted
	}
	if err := ctx.Err(); err != nil {
		return ChunkMessage{}, err
	}
	return nextMessage(s.enc)
}

func (s *inlineSource) StreamSize() int64 {
	if s.enc == nil {
		return 0
	}
	return s.enc.EncryptedSize()
}

func (s *inlineSource) Terminate() { s.terminated = true }

type workerResult struct {
	msg ChunkMessage
	err error
}

// workerSource encrypts on a dedicated goroutine and hands chunks over a
// bounded channel in index order.
type workerSource struct {
	codec  crypto.Codec
	buffer int

	size    int64
	results chan workerResult
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    bool
}

func (s *workerSource) Init(r io.Reader, size int64, key []byte, observer progress.Observer) error {
	if s.results != nil {
		return errors.New("chunk source already initialized")
	}
	enc, err := newEncryptor(s.codec, r, size, key, observer)
	if err != nil {
		return err
	}
	s.size = enc.EncryptedSize()
	s.results = make(chan workerResult, s.buffer)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		defer close(s.results)
		for {
			msg, err := nextMessage(enc)
			select {
			case s.results <- workerResult{msg: msg, err: err}:
			case <-ctx.Done():
				return ErrStreamAborted
			}
			if err != nil || msg.Done {
				return err
			}
		}
	})
	return nil
}

func (s *workerSource) ReadChunk(ctx context.Context) (ChunkMessage, error) {
	if s.results == nil {
		return ChunkMessage{}, ErrNotInitialized
	}
	if s.done {
		return ChunkMessage{}, ErrStreamAborted
	}
	select {
	case res, ok := <-s.results:
		if !ok {
			s.done = true
			return ChunkMessage{}, ErrStreamAborted
		}
		if res.err != nil {
			s.done = true
		}
		return res.msg, res.err
	case <-ctx.Done():
		return ChunkMessage{}, ctx.Err()
	}
}

func (s *workerSource) StreamSize() int64 { return s.size }

func (s *workerSource) Terminate() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	// Drain so the worker is not left blocked on a send.
	for range s.results {
	}
	_ = s.group.Wait()
	s.done = true
}

// chunkReader adapts a ChunkSource to io.Reader for uploads.
type chunkReader struct {
	ctx     context.Context
	src     ChunkSource
	pending []byte
	eof     bool
}

// NewChunkReader returns a reader over the concatenated chunks of src.
func NewChunkReader(ctx context.Context, src ChunkSource) io.Reader {
	return &chunkReader{ctx: ctx, src: src}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		msg, err := r.src.ReadChunk(r.ctx)
		if err != nil {
			return 0, err
		}
		if msg.Done {
			r.eof = true
			continue
		}
		r.pending = msg.Value
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
