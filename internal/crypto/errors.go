package crypto

import (
	"errors"
	"fmt"
)

// ErrCorruptChunk matches any CorruptChunkError.
var ErrCorruptChunk = errors.New("corrupt chunk")

// SourceReadError reports a failure of the plaintext source while reading
// chunk Index. No ciphertext for that chunk was produced.
type SourceReadError struct {
	Index int64
	Err   error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("failed to read source for chunk %d: %v", e.Index, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// CorruptChunkError reports a chunk that failed authentication or was
// malformed. It is fatal for the file.
type CorruptChunkError struct {
	Index int64
	Err   error
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("corrupt chunk %d: %v", e.Index, e.Err)
}

func (e *CorruptChunkError) Unwrap() error { return e.Err }

func (e *CorruptChunkError) Is(target error) bool { return target == ErrCorruptChunk }

// FetchError reports a chunk that could not be fetched within the retry
// budget. It is recoverable: the download may be attempted again.
type FetchError struct {
	Index int64
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch chunk %d: %v", e.Index, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
