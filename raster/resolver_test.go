package raster

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolverOpensOncePerURI(t *testing.T) {
	raw, err := os.ReadFile("testdata/depth.tif")
	if err != nil {
		t.Fatalf("failed to read fixture: %v", err)
	}
	var heads atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		http.ServeContent(w, r, "depth.tif", time.Time{}, bytes.NewReader(raw))
	}))
	defer ts.Close()

	r, err := NewResolver(4, SourceOptions{})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	defer r.Close()

	const workers = 16
	results := make([]*Dataset, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.Open(context.Background(), ts.URL)
			if err != nil {
				t.Errorf("open failed: %v", err)
				return
			}
			results[i] = d
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("worker %d got a different handle", i)
		}
	}
	if got := heads.Load(); got != 1 {
		t.Errorf("remote file was probed %d times, want 1", got)
	}
}

func TestResolverPropagatesOpenError(t *testing.T) {
	r, err := NewResolver(4, SourceOptions{})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	defer r.Close()

	if _, err := r.Open(context.Background(), "testdata/no-such-file.tif"); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	// A failed open must not poison the cache for a later attempt.
	if _, err := r.Open(context.Background(), "testdata/depth.tif"); err != nil {
		t.Fatalf("open after failure: %v", err)
	}
}

func TestResolverEvictsLeastRecentlyUsed(t *testing.T) {
	r, err := NewResolver(1, SourceOptions{})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	first, err := r.Open(ctx, "testdata/depth.tif")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := r.Open(ctx, "testdata/unreferenced.tif"); err == nil {
		t.Fatal("expected unreferenced fixture to fail to open")
	}
	// The failed open does not enter the cache, so the first handle stays.
	again, err := r.Open(ctx, "testdata/depth.tif")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if again != first {
		t.Error("handle was dropped although the cache never overflowed")
	}
}
