package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// HTTPSource satisfies Source for remote files over HTTP using byte-range
// requests. Every read is a stateless Range GET, so concurrent tile fetches
// never contend on shared state.
type HTTPSource struct {
	url    string
	client *http.Client
	size   int64
}

// NewHTTPSource probes the remote file with a HEAD request to learn its size
// and confirm the server honors byte ranges. No pixel data is transferred.
func NewHTTPSource(ctx context.Context, url string, client *http.Client) (*HTTPSource, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create head request: %v", ErrSourceUnavailable, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http head request failed: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: bad status for http head request: %s", ErrSourceUnavailable, resp.Status)
	}

	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, fmt.Errorf("%w: server does not accept byte range requests", ErrSourceUnavailable)
	}

	size := resp.ContentLength
	if size <= 0 {
		return nil, fmt.Errorf("%w: could not determine content length or file is empty", ErrSourceUnavailable)
	}

	return &HTTPSource{
		url:    url,
		client: client,
		size:   size,
	}, nil
}

// Size returns the total remote file size in bytes.
func (h *HTTPSource) Size() int64 { return h.size }

// Close releases nothing; HTTP sources hold no persistent connection state
// beyond the client's own pool.
func (h *HTTPSource) Close() error { return nil }

// ReadAt implements io.ReaderAt via a single Range request. Network failures
// and 5xx responses are marked transient so the retry layer can back off and
// try again.
func (h *HTTPSource) ReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http.ReadAt: invalid offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}

	bytesToRead := int64(len(p))
	if off+bytesToRead > h.size {
		bytesToRead = h.size - off
	}

	req, err := http.NewRequest(http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}

	rangeEnd := off + bytesToRead - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, rangeEnd))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, markTransient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		err = fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return 0, markTransient(err)
		}
		return 0, err
	}

	n, err = io.ReadFull(resp.Body, p[:bytesToRead])
	if err != nil && !errors.Is(err, io.EOF) {
		return n, markTransient(err)
	}
	if bytesToRead < int64(len(p)) && err == nil {
		return n, io.EOF
	}
	return n, err
}
