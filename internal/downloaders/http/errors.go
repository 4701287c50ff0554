package segfetchhttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")
	ErrUnsupportedScheme  = errors.New("unsupported URL scheme")
	ErrRangeIgnored       = errors.New("server returned more bytes than the requested range")
	ErrShortChunk         = errors.New("chunk body ended before the requested range was filled")
	ErrResourceTooLarge   = errors.New("resource is larger than the in-memory assembly limit")
)

// ProbeError means the size/capability probe could not establish a usable size.
type ProbeError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("probe %s: %v", e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("probe %s: server returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	default:
		return fmt.Sprintf("probe %s failed", e.URL)
	}
}

func (e *ProbeError) Unwrap() error { return e.Err }

// TransportError wraps a request or body-read failure. Transient faults are
// prematurely terminated messages and may be retried.
type TransportError struct {
	Transient bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient transport fault: %v", e.Err)
	}
	return fmt.Sprintf("transport fault: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a ranged response with a status other than 200 or 206.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// IOError is a failure creating or writing the output.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ChunkError is the terminal failure of one chunk worker.
type ChunkError struct {
	Index    int
	Start    uint64
	End      uint64
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (bytes %d-%d) failed after %d attempt(s): %v", e.Index, e.Start, e.End, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// isIncompleteMessage reports whether err means the peer stopped sending
// before the message was complete.
func isIncompleteMessage(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func classifyTransport(err error) *TransportError {
	return &TransportError{Transient: isIncompleteMessage(err), Err: err}
}

// retryable reports whether a chunk attempt that failed with err may run again.
func retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient
	}
	var se *StatusError
	return errors.As(err, &se)
}
