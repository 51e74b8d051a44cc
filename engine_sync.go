package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/bundle"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/syncloop"
	"github.com/shivay00001/sqlite-sync-core/internal/telemetry"
	"github.com/shivay00001/sqlite-sync-core/internal/transport"
	"github.com/shivay00001/sqlite-sync-core/internal/transport/filedrop"
	"github.com/shivay00001/sqlite-sync-core/internal/transport/wstransport"
)

// UseTransport attaches a caller-constructed transport. Call this before
// StartSync; otherwise StartSync builds one from Config.
func (e *Engine) UseTransport(tr transport.Transport) {
	e.transport = tr
}

// buildConfiguredTransport constructs the transport named by
// Config.Sync.Transport ("websocket" or "filedrop").
func (e *Engine) buildConfiguredTransport() (transport.Transport, error) {
	switch e.Config.Sync.Transport {
	case "websocket":
		cfg := wstransport.DefaultConfig()
		cfg.URL = e.Config.Sync.Endpoint
		return wstransport.New(cfg), nil
	case "filedrop", "":
		cfg := filedrop.DefaultConfig()
		if e.Config.Sync.Endpoint != "" {
			cfg.OutboxDir = e.Config.Sync.Endpoint + "/outbox"
			cfg.InboxDir = e.Config.Sync.Endpoint + "/inbox"
		}
		return filedrop.New(cfg), nil
	default:
		return nil, fmt.Errorf("syncengine: unknown transport %q", e.Config.Sync.Transport)
	}
}

// StartSync builds the configured transport (if UseTransport was not
// already called) and starts the background sync loop.
func (e *Engine) StartSync() error {
	if e.transport == nil {
		tr, err := e.buildConfiguredTransport()
		if err != nil {
			return err
		}
		e.transport = tr
	}

	lcfg := syncloop.DefaultConfig()
	lcfg.Interval = e.Config.Sync.Interval
	lcfg.BackoffBase = e.Config.Sync.BackoffBase
	lcfg.BackoffCap = e.Config.Sync.BackoffCap

	e.loop = syncloop.New(e.store, e.Device, e.vclock, e.transport, lcfg)
	e.loop.Start()
	return nil
}

// StopSync halts the background sync loop, if running.
func (e *Engine) StopSync() {
	if e.loop != nil {
		e.loop.Stop()
	}
}

// SyncNow runs one sync cycle immediately and returns its result, without
// waiting for the next tick. StartSync must have been called first.
func (e *Engine) SyncNow(ctx context.Context) error {
	if e.loop == nil {
		return fmt.Errorf("syncengine: sync loop not started")
	}
	return e.loop.SyncNow(ctx)
}

// SyncState reports the sync loop's current state machine position.
func (e *Engine) SyncState() string {
	if e.loop == nil {
		return "stopped"
	}
	return e.loop.State().String()
}

// PushTelemetry reports current counters to a Prometheus remote-write
// endpoint, independent of the sync loop's own cadence.
func (e *Engine) PushTelemetry(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return &syncerr.ValidationError{Field: "endpoint", Msg: "telemetry endpoint is required"}
	}
	pusher := telemetry.NewPusher(endpoint, e.Config.Device.Name)
	return pusher.Push(ctx, e.counters.Snapshot())
}

// Snapshot generates a bundle of everything this device knows, targeted at
// peerID, at destPath. Unlike the sync loop's own push step, this writes a
// full bundle regardless of any peer's reported vector clock, useful for
// disaster recovery or seeding a brand new device.
func (e *Engine) Snapshot(ctx context.Context, peerID ids.ID, destPath string) (bundle.Manifest, error) {
	return bundle.Generate(ctx, e.store.DB(), e.Device, peerID, map[string]uint64{}, nil, destPath)
}

// ClassifySyncCycleError reports whether a sync cycle's error belongs to
// the schema-incompatibility or the transport-failure exit code family.
func ClassifySyncCycleError(err error) (isSchema, isTransport bool) {
	var schemaErr *syncerr.SchemaError
	var transportErr *syncerr.TransportError
	return errors.As(err, &schemaErr), errors.As(err, &transportErr)
}
