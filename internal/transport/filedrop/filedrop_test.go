package filedrop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shivay00001/sqlite-sync-core/internal/testutil"
)

func TestSendOperationsWritesToOutbox(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bundle")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := Config{OutboxDir: filepath.Join(dir, "outbox"), InboxDir: filepath.Join(dir, "inbox")}
	tr := New(cfg)
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	accepted, err := tr.SendOperations(ctx, src)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if accepted != 1 {
		t.Fatalf("expected accepted=1, got %d", accepted)
	}

	entries, err := os.ReadDir(cfg.OutboxDir)
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file in outbox, got %d", len(entries))
	}
}

func TestReceiveOperationsClaimsOldestBundle(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{OutboxDir: filepath.Join(dir, "outbox"), InboxDir: filepath.Join(dir, "inbox")}
	tr := New(cfg)
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := os.WriteFile(filepath.Join(cfg.InboxDir, "bundle_1.bundle"), []byte("one"), 0o644); err != nil {
		t.Fatalf("seed inbox: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.InboxDir, "bundle_2.bundle"), []byte("two"), 0o644); err != nil {
		t.Fatalf("seed inbox: %v", err)
	}

	path, err := tr.ReceiveOperations(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a bundle path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read claimed bundle: %v", err)
	}
	if string(data) != "one" {
		t.Fatalf("expected oldest bundle 'one' to be claimed first, got %q", data)
	}

	testutil.MustNotExist(t, filepath.Join(cfg.InboxDir, "bundle_1.bundle"))
}

func TestReceiveOperationsEmptyInboxReturnsEmptyPath(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{OutboxDir: filepath.Join(dir, "outbox"), InboxDir: filepath.Join(dir, "inbox")}
	tr := New(cfg)
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	path, err := tr.ReceiveOperations(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if path != "" {
		t.Fatalf("expected empty path, got %q", path)
	}
}
