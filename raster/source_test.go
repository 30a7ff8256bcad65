package raster

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

// flakyRangeServer serves data with byte-range support, failing the first
// failures GET requests with 503. HEAD probes always succeed so the failure
// is injected into the read path, not the open.
func flakyRangeServer(t *testing.T, data []byte, failures int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var gets atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if gets.Add(1) <= failures {
				http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ts.Close)
	return ts, &gets
}

func TestHTTPSourceRetriesTransientFailures(t *testing.T) {
	data := []byte("0123456789abcdef")
	ts, gets := flakyRangeServer(t, data, 2)

	src, err := OpenSource(context.Background(), ts.URL, SourceOptions{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer src.Close()

	if src.Size() != int64(len(data)) {
		t.Errorf("size: got %d, want %d", src.Size(), len(data))
	}

	buf := make([]byte, 4)
	n, err := src.ReadAt(buf, 2)
	if err != nil {
		t.Fatalf("read failed after retries: %v", err)
	}
	if n != 4 || string(buf) != "2345" {
		t.Errorf("got %d bytes %q, want 4 bytes \"2345\"", n, buf)
	}
	if got := gets.Load(); got != 3 {
		t.Errorf("server saw %d GET requests, want 3 (two failures + one success)", got)
	}
}

func TestHTTPSourceGivesUpAfterAllAttempts(t *testing.T) {
	ts, gets := flakyRangeServer(t, []byte("0123456789"), 100)

	src, err := OpenSource(context.Background(), ts.URL, SourceOptions{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer src.Close()

	buf := make([]byte, 4)
	if _, err := src.ReadAt(buf, 0); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if got := gets.Load(); got != 3 {
		t.Errorf("server saw %d GET requests, want exactly 3 attempts", got)
	}
}

func TestHTTPSourceNoRetryOnPermanentFailure(t *testing.T) {
	var gets atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "10")
			return
		}
		gets.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	src, err := OpenSource(context.Background(), ts.URL, SourceOptions{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to open source: %v", err)
	}
	defer src.Close()

	buf := make([]byte, 4)
	if _, err := src.ReadAt(buf, 0); err == nil {
		t.Fatal("expected an error")
	}
	if got := gets.Load(); got != 1 {
		t.Errorf("server saw %d GET requests, want 1 (404 must not be retried)", got)
	}
}

func TestHTTPSourceRequiresRangeSupport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Accept-Ranges header.
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	if _, err := NewHTTPSource(context.Background(), ts.URL, nil); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestOpenSourceUnknownScheme(t *testing.T) {
	_, err := OpenSource(context.Background(), "gopher://example.com/map.tif", SourceOptions{})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestOpenSourceLocalFile(t *testing.T) {
	src, err := OpenSource(context.Background(), "testdata/depth.tif", SourceOptions{})
	if err != nil {
		t.Fatalf("failed to open local file: %v", err)
	}
	defer src.Close()

	fi, err := os.Stat("testdata/depth.tif")
	if err != nil {
		t.Fatal(err)
	}
	if src.Size() != fi.Size() {
		t.Errorf("size: got %d, want %d", src.Size(), fi.Size())
	}
	head := make([]byte, 2)
	if _, err := src.ReadAt(head, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(head) != "II" {
		t.Errorf("got header %q, want little-endian marker \"II\"", head)
	}
}

// TestOpenDatasetOverHTTP runs the whole chain against a range-serving
// HTTP server: open, parse metadata, read a pixel.
func TestOpenDatasetOverHTTP(t *testing.T) {
	raw, err := os.ReadFile("testdata/depth.tif")
	if err != nil {
		t.Fatalf("failed to read fixture: %v", err)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "depth.tif", time.Time{}, bytes.NewReader(raw))
	}))
	defer ts.Close()

	d, err := Open(context.Background(), ts.URL, SourceOptions{})
	if err != nil {
		t.Fatalf("failed to open dataset over http: %v", err)
	}
	defer d.Close()

	if got := d.CRS(); got != "EPSG:4326" {
		t.Errorf("CRS: got %q, want EPSG:4326", got)
	}
	v, err := d.ValueAt(context.Background(), 5.2, 4.8, 0)
	if err != nil {
		t.Fatalf("ValueAt failed: %v", err)
	}
	if !floatEquals(v, 808) {
		t.Errorf("got %f, want 808", v)
	}
}
