package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Source is the capability a dataset needs from its backing storage: stateless
// byte-range reads plus a known total size. Local files, HTTP servers and
// object-store blobs all satisfy it; nothing downstream of Open ever branches
// on the source type again.
type Source interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// SourceOptions carries the externally-supplied knobs for opening sources.
// The zero value is usable.
type SourceOptions struct {
	// RetryAttempts is the total number of attempts for a remote range read,
	// including the first one. Values below 1 mean a single attempt.
	RetryAttempts int
	// RetryBaseDelay is the backoff before the second attempt; it doubles on
	// every further attempt.
	RetryBaseDelay time.Duration
	// HTTPClient overrides the client used for HTTP range reads.
	HTTPClient *http.Client
}

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 200 * time.Millisecond
)

func (o SourceOptions) attempts() int {
	if o.RetryAttempts < 1 {
		return defaultRetryAttempts
	}
	return o.RetryAttempts
}

func (o SourceOptions) baseDelay() time.Duration {
	if o.RetryBaseDelay <= 0 {
		return defaultRetryBaseDelay
	}
	return o.RetryBaseDelay
}

// OpenSource resolves a dataset URI to a byte-range readable source. The
// scheme selects the variant: http(s) URLs get an HTTP range reader, bucket
// URLs (s3, gs, azblob, file) go through gocloud.dev, anything else is a
// local filesystem path. Remote variants are wrapped with retry.
func OpenSource(ctx context.Context, uri string, opts SourceOptions) (Source, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return openFileSource(uri)
	}
	switch u.Scheme {
	case "http", "https":
		src, err := NewHTTPSource(ctx, uri, opts.HTTPClient)
		if err != nil {
			return nil, err
		}
		return withRetry(src, opts), nil
	case "s3", "gs", "azblob":
		src, err := openBlobSource(ctx, u)
		if err != nil {
			return nil, err
		}
		return withRetry(src, opts), nil
	case "file":
		return openFileSource(u.Path)
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q in %q", ErrSourceUnavailable, u.Scheme, uri)
	}
}

// fileSource serves a local file. *os.File already implements io.ReaderAt.
type fileSource struct {
	f    *os.File
	size int64
}

func openFileSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return &fileSource{f: f, size: fi.Size()}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s *fileSource) Size() int64 { return s.size }

func (s *fileSource) Close() error { return s.f.Close() }

// retrySource wraps a remote source and retries transient read failures with
// exponential backoff. Non-transient failures surface immediately.
type retrySource struct {
	Source
	attempts  int
	baseDelay time.Duration
}

func withRetry(src Source, opts SourceOptions) Source {
	return &retrySource{
		Source:    src,
		attempts:  opts.attempts(),
		baseDelay: opts.baseDelay(),
	}
}

func (s *retrySource) ReadAt(p []byte, off int64) (int, error) {
	delay := s.baseDelay
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		n, err := s.Source.ReadAt(p, off)
		if err == nil || errors.Is(err, io.EOF) {
			return n, err
		}
		lastErr = err
		if !isTransient(err) || attempt == s.attempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return 0, fmt.Errorf("%w: read of %d bytes at %d failed: %v", ErrSourceUnavailable, len(p), off, lastErr)
}
