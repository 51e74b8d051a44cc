// Package filedrop implements a transport.Transport over two shared
// directories: bundles written to the outbox are picked up by whatever
// watches it (a synced folder, a removable drive, an sftp mirror); bundles
// appearing in the inbox are treated as received. No network connection is
// held open, so Connect/Disconnect are no-ops.
//
// Grounded on cloud_sync.go's offline queue: directory of timestamp-named
// files, sorted and drained in order, slog for anything that doesn't
// warrant failing the cycle.
package filedrop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// Config points a filedrop transport at its two directories.
type Config struct {
	OutboxDir string // where SendOperations writes bundles for the peer to pick up
	InboxDir  string // where ReceiveOperations looks for bundles left by the peer
}

func DefaultConfig() Config {
	return Config{
		OutboxDir: "./sync-bundles/outbox",
		InboxDir:  "./sync-bundles/inbox",
	}
}

// Transport exchanges bundles through the filesystem. The vector clock
// exchange degrades to an empty peer clock: a filedrop peer has no live
// channel to ask, so pull and dedup logic fall back to known-op-id
// filtering alone, which is still correct, just less of an early filter.
type Transport struct {
	cfg Config
}

func New(cfg Config) *Transport {
	if cfg.OutboxDir == "" {
		cfg.OutboxDir = DefaultConfig().OutboxDir
	}
	if cfg.InboxDir == "" {
		cfg.InboxDir = DefaultConfig().InboxDir
	}
	return &Transport{cfg: cfg}
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := os.MkdirAll(t.cfg.OutboxDir, 0o755); err != nil {
		return &syncerr.TransportError{Peer: t.cfg.OutboxDir, Cause: err}
	}
	if err := os.MkdirAll(t.cfg.InboxDir, 0o755); err != nil {
		return &syncerr.TransportError{Peer: t.cfg.InboxDir, Cause: err}
	}
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error { return nil }

// ExchangeVectorClock has no peer to ask; it always returns an empty
// clock, meaning "assume the peer may lack everything."
func (t *Transport) ExchangeVectorClock(ctx context.Context, local map[string]uint64) (map[string]uint64, error) {
	return map[string]uint64{}, nil
}

func (t *Transport) SendOperations(ctx context.Context, bundlePath string) (int, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return 0, &syncerr.TransportError{Peer: t.cfg.OutboxDir, Cause: err}
	}
	dest := filepath.Join(t.cfg.OutboxDir, fmt.Sprintf("bundle_%d.bundle", time.Now().UnixNano()))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return 0, &syncerr.TransportError{Peer: t.cfg.OutboxDir, Cause: err}
	}
	slog.Info("filedrop: wrote outgoing bundle", "path", dest, "bytes", len(data))
	return 1, nil
}

// ReceiveOperations returns the oldest unprocessed bundle in the inbox, if
// any, claiming it by renaming it to <name>.processing so a later cycle
// skips it. Claimed files stay in the inbox directory; nothing deletes them.
func (t *Transport) ReceiveOperations(ctx context.Context) (string, error) {
	entries, err := os.ReadDir(t.cfg.InboxDir)
	if err != nil {
		return "", &syncerr.TransportError{Peer: t.cfg.InboxDir, Cause: err}
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) != ".processing" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)

	oldest := filepath.Join(t.cfg.InboxDir, names[0])
	claimed := oldest + ".processing"
	if err := os.Rename(oldest, claimed); err != nil {
		// Another process claimed it first; treat as nothing available
		// this cycle rather than failing.
		slog.Warn("filedrop: could not claim inbox bundle", "path", oldest, "err", err)
		return "", nil
	}
	return claimed, nil
}
