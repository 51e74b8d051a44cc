// Package syncengine is the public entry point to the multi-master SQLite
// replication engine: bootstrap a Device, enable sync on tables, capture
// local writes, and drive a sync loop against peers.
//
// Grounded on chronicle.go's top-level DB type: a single exported struct
// wrapping the embedded store, config, and background lifecycle, opened
// through one Open() constructor.
package syncengine

import (
	"context"
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/config"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/store"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/syncloop"
	"github.com/shivay00001/sqlite-sync-core/internal/telemetry"
	"github.com/shivay00001/sqlite-sync-core/internal/transport"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// Engine is a single device's replication state: its identity, embedded
// store, vector clock, and (once StartSync is called) sync loop.
type Engine struct {
	Device ids.ID
	Config config.Config

	store     *store.Store
	vclock    *vclock.Clock
	loop      *syncloop.Loop
	transport transport.Transport
	counters  telemetry.Counters

	schemaVersions map[string]int
}

// Open initializes or reopens a device's embedded store at cfg.Storage.Path.
// A device identity is generated once on first open and persisted in
// sync_device; subsequent opens reuse it.
func Open(cfg config.Config) (*Engine, error) {
	scfg := store.Config{
		Path:        cfg.Storage.Path,
		JournalMode: cfg.Storage.JournalMode,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}
	s, err := store.Open(scfg)
	if err != nil {
		return nil, err
	}

	dev, err := loadOrCreateDevice(context.Background(), s, cfg.Device.Name)
	if err != nil {
		s.Close()
		return nil, err
	}

	vc, err := loadVectorClock(context.Background(), s)
	if err != nil {
		s.Close()
		return nil, err
	}

	return &Engine{
		Device:         dev,
		Config:         cfg,
		store:          s,
		vclock:         vc,
		schemaVersions: make(map[string]int),
	}, nil
}

// Close releases the underlying store connection. Stops the sync loop
// first if it is running.
func (e *Engine) Close() error {
	if e.loop != nil {
		e.loop.Stop()
	}
	return e.store.Close()
}

// Store exposes the underlying embedded store for callers that need direct
// SQL access alongside the replication API (e.g. schema creation before
// EnableSync).
func (e *Engine) Store() *store.Store {
	return e.store
}

// VectorClock returns this device's current vector clock snapshot.
func (e *Engine) VectorClock() map[string]uint64 {
	return e.vclock.Snapshot()
}

func loadOrCreateDevice(ctx context.Context, s *store.Store, name string) (ids.ID, error) {
	var raw []byte
	err := s.DB().QueryRowContext(ctx, `SELECT device_id FROM sync_device LIMIT 1`).Scan(&raw)
	if err == nil {
		return ids.FromBytes(raw), nil
	}

	dev, err := ids.New()
	if err != nil {
		return ids.ID{}, fmt.Errorf("syncengine: generating device id: %w", err)
	}
	_, err = s.DB().ExecContext(ctx, `INSERT INTO sync_device (device_id, name, created_at) VALUES (?, ?, ?)`,
		dev.Bytes(), name, model.NowMicros())
	if err != nil {
		return ids.ID{}, &syncerr.DatabaseError{Op: "create device identity", Cause: err}
	}
	return dev, nil
}

func loadVectorClock(ctx context.Context, s *store.Store) (*vclock.Clock, error) {
	rows, err := s.DB().QueryContext(ctx, `SELECT device_id, counter FROM sync_vector_clock`)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "load vector clock", Cause: err}
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var devHex string
		var counter uint64
		if err := rows.Scan(&devHex, &counter); err != nil {
			return nil, &syncerr.DatabaseError{Op: "scan vector clock row", Cause: err}
		}
		counts[devHex] = counter
	}
	return vclock.FromMap(counts), nil
}
