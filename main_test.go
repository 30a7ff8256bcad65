package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stebubu/venezia/overlay"
	"github.com/stebubu/venezia/raster"
)

const fixtureDataset = "raster/testdata/depth.tif"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	resolver, err := raster.NewResolver(4, raster.SourceOptions{})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	t.Cleanup(resolver.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{DisplayCRS: "EPSG:4326"}
	cache := overlay.NewCache(1<<20, 0)
	return &Server{
		renderer: overlay.NewRenderer(resolver, cache, cfg.DisplayCRS, overlay.MethodAuto, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

func TestParseBBox(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "valid", in: "12.2,45.3,12.5,45.6"},
		{name: "valid with spaces", in: " -10, -5, 10, 5 "},
		{name: "empty", in: "", wantErr: true},
		{name: "three components", in: "1,2,3", wantErr: true},
		{name: "not numbers", in: "a,b,c,d", wantErr: true},
		{name: "min above max", in: "10,0,5,5", wantErr: true},
		{name: "degenerate", in: "1,1,1,1", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := parseBBox(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got %v", b)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if b.Min[0] >= b.Max[0] || b.Min[1] >= b.Max[1] {
				t.Errorf("degenerate bounds: %v", b)
			}
		})
	}
}

func TestOverlayHandler(t *testing.T) {
	srv := newTestServer(t)

	url := fmt.Sprintf("/overlay?dataset=%s&bbox=5,5,15,15&width=64&height=64&colormap=gray&vmin=0&vmax=2000", fixtureDataset)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	srv.overlayHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type: got %q, want image/png", ct)
	}
	placement := rec.Header().Get("X-Overlay-Bounds")
	if placement != "5.000000,5.000000,15.000000,15.000000" {
		t.Errorf("placement header: got %q", placement)
	}
	if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
		t.Error("body is not a png")
	}
}

func TestOverlayHandlerMissesDataset(t *testing.T) {
	srv := newTestServer(t)

	// A viewport with no overlap still answers 200 with a transparent
	// placeholder so the map client keeps panning.
	url := fmt.Sprintf("/overlay?dataset=%s&bbox=100,100,110,110&width=32&height=32", fixtureDataset)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	srv.overlayHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
		t.Error("body is not a png")
	}
}

func TestOverlayHandlerValidation(t *testing.T) {
	srv := newTestServer(t)

	testCases := []struct {
		name string
		url  string
	}{
		{name: "missing dataset", url: "/overlay?bbox=0,0,1,1"},
		{name: "bad bbox", url: "/overlay?dataset=x.tif&bbox=nope"},
		{name: "bad resampling", url: "/overlay?dataset=x.tif&bbox=0,0,1,1&resampling=lanczos"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			rec := httptest.NewRecorder()
			srv.overlayHandler(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", rec.Code)
			}
		})
	}
}

func TestOverlayHandlerSourceFailure(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/overlay?dataset=raster/testdata/no-such.tif&bbox=0,0,1,1", nil)
	rec := httptest.NewRecorder()
	srv.overlayHandler(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", rec.Code)
	}
}

func TestValueHandler(t *testing.T) {
	srv := newTestServer(t)

	testCases := []struct {
		name       string
		path       string
		wantStatus int
		wantValue  interface{}
	}{
		{
			name:       "interior pixel",
			path:       "/value/4.8/5.2?dataset=" + fixtureDataset,
			wantStatus: http.StatusOK,
			wantValue:  float64(808),
		},
		{
			name:       "nodata pixel is null",
			path:       "/value/9.0/0.7?dataset=" + fixtureDataset,
			wantStatus: http.StatusOK,
			wantValue:  nil,
		},
		{
			name:       "outside bounds",
			path:       "/value/50/50?dataset=" + fixtureDataset,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "malformed path",
			path:       "/value/only-one-part?dataset=" + fixtureDataset,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing dataset",
			path:       "/value/4.8/5.2",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rec := httptest.NewRecorder()
			srv.valueHandler(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status: got %d, want %d (%s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			var resp map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if got := resp["value"]; got != tc.wantValue {
				t.Errorf("value: got %v, want %v", got, tc.wantValue)
			}
		})
	}
}

func TestDatasetsHandlerWithoutBucket(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/datasets", nil)
	rec := httptest.NewRecorder()
	srv.datasetsHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404 when no bucket is configured", rec.Code)
	}
}

func TestIntAndFloatParams(t *testing.T) {
	if got := intParam("", 256); got != 256 {
		t.Errorf("empty int param: got %d, want the default", got)
	}
	if got := intParam("64", 256); got != 64 {
		t.Errorf("int param: got %d, want 64", got)
	}
	if got := intParam("not-a-number", 256); got != 256 {
		t.Errorf("bad int param: got %d, want the default", got)
	}
	if got := floatParam("0.5", 0); got != 0.5 {
		t.Errorf("float param: got %f, want 0.5", got)
	}
	if got := floatParam("", 0.7); got != 0.7 {
		t.Errorf("empty float param: got %f, want the default", got)
	}
}
