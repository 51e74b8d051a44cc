package wstransport

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, localVC map[string]uint64, outgoing string) (*httptest.Server, string) {
	t.Helper()
	sent := false
	handler := NewPeerHandler(DefaultConfig(), func() map[string]uint64 { return localVC }, func() (string, bool) {
		if sent || outgoing == "" {
			return "", false
		}
		sent = true
		return outgoing, true
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestExchangeVectorClockRoundTrips(t *testing.T) {
	_, wsURL := newTestServer(t, map[string]uint64{"dev-a": 3}, "")

	cfg := DefaultConfig()
	cfg.URL = wsURL
	tr := New(cfg)
	ctx := context.Background()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(ctx)

	peer, err := tr.ExchangeVectorClock(ctx, map[string]uint64{"dev-b": 1})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if peer["dev-a"] != 3 {
		t.Fatalf("expected peer clock dev-a=3, got %v", peer)
	}
}

func TestReceiveOperationsWritesBundleLocally(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out.bundle")
	if err := os.WriteFile(src, []byte("fake bundle bytes"), 0o644); err != nil {
		t.Fatalf("write fixture bundle: %v", err)
	}

	_, wsURL := newTestServer(t, map[string]uint64{}, src)

	cfg := DefaultConfig()
	cfg.URL = wsURL
	cfg.BundleDir = t.TempDir()
	tr := New(cfg)
	ctx := context.Background()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(ctx)

	path, err := tr.ReceiveOperations(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a bundle path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read received bundle: %v", err)
	}
	if string(data) != "fake bundle bytes" {
		t.Fatalf("unexpected bundle contents: %q", data)
	}

	// Second request has nothing queued.
	empty, err := tr.ReceiveOperations(ctx)
	if err != nil {
		t.Fatalf("receive (empty): %v", err)
	}
	if empty != "" {
		t.Fatalf("expected empty response, got %q", empty)
	}
}
