// Package syncloop implements the sync state machine:
// IDLE -> SYNCING (on tick or SyncNow) -> IDLE (success) | WAITING_RETRY
// (transient error, exponential backoff) | ERROR (permanent) | STOPPED.
//
// Grounded on delta_sync.go's DeltaSyncManager: atomic running flag,
// context+cancel for cooperative stop, a ticker-driven background loop,
// and a mutex serializing each cycle (a single-flight lock so concurrent
// cycles never overlap).
package syncloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shivay00001/sqlite-sync-core/internal/bundle"
	"github.com/shivay00001/sqlite-sync-core/internal/checkpoint"
	"github.com/shivay00001/sqlite-sync-core/internal/ids"
	"github.com/shivay00001/sqlite-sync-core/internal/migration"
	"github.com/shivay00001/sqlite-sync-core/internal/model"
	"github.com/shivay00001/sqlite-sync-core/internal/ordering"
	"github.com/shivay00001/sqlite-sync-core/internal/store"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/transport"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// State is the sync loop's current position in the state machine.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateWaitingRetry
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateWaitingRetry:
		return "waiting_retry"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config parameterizes backoff and interval behavior.
type Config struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
	BundleDir   string
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
		BundleDir:   "./sync-bundles",
	}
}

// Loop drives one peer's sync cycles against a local store.
type Loop struct {
	db       *store.Store
	deviceID ids.ID
	vc       *vclock.Clock
	tr       transport.Transport
	cfg      Config

	mu          sync.Mutex // single-flight lock: one cycle at a time
	state       atomic.Int32
	attempt     int
	lastErr     error
	running     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(db *store.Store, deviceID ids.ID, vc *vclock.Clock, tr transport.Transport, cfg Config) *Loop {
	l := &Loop{db: db, deviceID: deviceID, vc: vc, tr: tr, cfg: cfg}
	l.state.Store(int32(StateIdle))
	return l
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

// Start begins the background ticker-driven loop. Idempotent.
func (l *Loop) Start() {
	if l.running.Swap(true) {
		return
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.wg.Add(1)
	go l.run()
}

// Stop signals the loop to halt between cycles and waits for it to exit.
func (l *Loop) Stop() {
	if !l.running.Swap(false) {
		return
	}
	l.cancel()
	l.wg.Wait()
	l.state.Store(int32(StateStopped))
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.SyncNow(l.ctx)
		}
	}
}

// SyncNow runs one cycle immediately, outside the ticker. Only one cycle
// runs at a time; a concurrent call blocks until the in-flight cycle
// finishes rather than starting a second one.
func (l *Loop) SyncNow(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Store(int32(StateSyncing))
	err := l.cycle(ctx)
	if err == nil {
		l.attempt = 0
		l.lastErr = nil
		l.state.Store(int32(StateIdle))
		return nil
	}

	if isPermanent(err) {
		l.lastErr = err
		l.state.Store(int32(StateError))
		return err
	}

	l.attempt++
	l.lastErr = err
	l.state.Store(int32(StateWaitingRetry))
	return err
}

// NextBackoff returns the delay before the next retry, base * 2^attempt
// capped at BackoffCap.
func (l *Loop) NextBackoff() time.Duration {
	d := l.cfg.BackoffBase
	for i := 0; i < l.attempt; i++ {
		d *= 2
		if d > l.cfg.BackoffCap {
			return l.cfg.BackoffCap
		}
	}
	return d
}

func isPermanent(err error) bool {
	var schemaErr *syncerr.SchemaError
	var bundleErr *syncerr.BundleError
	return errors.As(err, &schemaErr) || errors.As(err, &bundleErr)
}

// cycle runs the four sync steps in order: exchange vector clocks, pull
// what we lack, push what the peer lacks, apply the received batch through
// the crash-safe executor.
func (l *Loop) cycle(ctx context.Context) error {
	if err := l.tr.Connect(ctx); err != nil {
		return &syncerr.TransportError{Cause: err}
	}
	defer l.tr.Disconnect(ctx)

	localVC := l.vc.Snapshot()
	peerVC, err := l.tr.ExchangeVectorClock(ctx, localVC)
	if err != nil {
		return &syncerr.TransportError{Cause: err}
	}

	if err := l.pull(ctx); err != nil {
		return err
	}
	if err := l.push(ctx, peerVC); err != nil {
		return err
	}
	return nil
}

func (l *Loop) push(ctx context.Context, peerVC map[string]uint64) error {
	dest := l.cfg.BundleDir + "/" + ids.MustNew().String() + ".bundle"
	m, err := bundle.Generate(ctx, l.db.DB(), l.deviceID, l.deviceID, peerVC, nil, dest)
	if err != nil {
		return err
	}
	if m.OpCount == 0 {
		return nil
	}
	if _, err := l.tr.SendOperations(ctx, dest); err != nil {
		return &syncerr.TransportError{Cause: err}
	}
	return nil
}

func (l *Loop) pull(ctx context.Context) error {
	path, err := l.tr.ReceiveOperations(ctx)
	if err != nil {
		return &syncerr.TransportError{Cause: err}
	}
	if path == "" {
		return nil
	}

	opened, err := bundle.Open(ctx, path)
	if err != nil {
		return err
	}

	already, err := bundle.AlreadyImported(ctx, l.db.DB(), opened.Manifest.BundleID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	known, err := knownOpIDs(ctx, l.db)
	if err != nil {
		return err
	}
	localVC := l.vc.Snapshot()
	deduped := ordering.Dedup(opened.Ops, localVC, known)
	sorted := ordering.Sort(deduped)

	migrationOps, dataOps := splitMigrations(sorted)
	for _, mop := range migrationOps {
		if err := applyMigrationOp(ctx, l.db, mop); err != nil {
			return &syncerr.SchemaError{TableName: mop.TableName, Msg: err.Error()}
		}
		l.vc.Merge(mop.VectorClock)
	}

	exec := checkpoint.NewExecutor(l.db.DB())
	br, err := exec.Run(ctx, dataOps, localVC)
	if err != nil {
		return &syncerr.DatabaseError{Op: "apply received batch", Cause: err}
	}
	for _, res := range br.Results {
		l.vc.Merge(res.Op.VectorClock)
	}

	return bundle.RecordImport(ctx, l.db.DB(), opened.Manifest, br.AppliedCount, br.ConflictCount)
}

// splitMigrations separates SCHEMA_MIGRATION ops, which must be applied
// ahead of any data op for their table in the same batch, from the data
// ops the crash-safe executor will apply afterward.
func splitMigrations(ops []model.Operation) (migrations, data []model.Operation) {
	for _, op := range ops {
		if op.OpType == model.OpSchemaMigration {
			migrations = append(migrations, op)
		} else {
			data = append(data, op)
		}
	}
	return migrations, data
}

func knownOpIDs(ctx context.Context, s *store.Store) (map[ids.ID]bool, error) {
	rows, err := s.DB().QueryContext(ctx, `SELECT op_id FROM sync_operations`)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "scan known op ids", Cause: err}
	}
	defer rows.Close()
	out := make(map[ids.ID]bool)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &syncerr.DatabaseError{Op: "scan op id", Cause: err}
		}
		out[ids.FromBytes(raw)] = true
	}
	return out, nil
}

func applyMigrationOp(ctx context.Context, s *store.Store, op model.Operation) error {
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.DatabaseError{Op: "begin migration apply tx", Cause: err}
	}
	defer tx.Rollback()
	if err := migration.ApplyIncomingOp(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &syncerr.DatabaseError{Op: "commit migration apply tx", Cause: err}
	}
	return nil
}
