package checkpoint

import (
	"context"
	"database/sql"

	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
	"github.com/shivay00001/sqlite-sync-core/internal/vclock"
)

// CompactionPlan decides which applied operations are safe to prune: an op
// is safe once its vector-clock position is dominated by (≤) every known
// peer's last_received_vector_clock, i.e. every peer has already seen it
// and there is no remaining reason to keep shipping it. Conflict records
// referencing a pruned op are left in place; only the operation row (and
// its old/new value payloads) are removed.
type CompactionPlan struct {
	db *sql.DB
}

func NewCompactionPlan(db *sql.DB) *CompactionPlan {
	return &CompactionPlan{db: db}
}

// Prunable returns the op_ids that every tracked peer has already received,
// per the peer bookkeeping in sync_peers.
func (p *CompactionPlan) Prunable(ctx context.Context) ([][]byte, error) {
	peerClocks, err := p.allPeerClocks(ctx)
	if err != nil {
		return nil, err
	}
	if len(peerClocks) == 0 {
		// No known peers: nothing has been confirmed received, so nothing
		// is safe to prune yet.
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT op_id, device_id, vector_clock FROM sync_operations WHERE applied_at IS NOT NULL`)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "scan operations for compaction", Cause: err}
	}
	defer rows.Close()

	var prunable [][]byte
	for rows.Next() {
		var opID, deviceIDRaw []byte
		var vcJSON string
		if err := rows.Scan(&opID, &deviceIDRaw, &vcJSON); err != nil {
			return nil, &syncerr.DatabaseError{Op: "scan operation for compaction", Cause: err}
		}
		vc, err := vclock.DecodeMap([]byte(vcJSON))
		if err != nil {
			continue
		}
		if allPeersDominate(peerClocks, vc) {
			prunable = append(prunable, opID)
		}
	}
	return prunable, nil
}

func allPeersDominate(peerClocks []map[string]uint64, vc map[string]uint64) bool {
	for _, pc := range peerClocks {
		if !vclock.Dominates(pc, vc) {
			return false
		}
	}
	return true
}

func (p *CompactionPlan) allPeerClocks(ctx context.Context) ([]map[string]uint64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT last_received_vector_clock FROM sync_peers`)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "scan peer clocks", Cause: err}
	}
	defer rows.Close()

	var out []map[string]uint64
	for rows.Next() {
		var vcJSON string
		if err := rows.Scan(&vcJSON); err != nil {
			return nil, &syncerr.DatabaseError{Op: "scan peer clock", Cause: err}
		}
		vc, err := vclock.DecodeMap([]byte(vcJSON))
		if err != nil {
			continue
		}
		out = append(out, vc)
	}
	return out, nil
}

// Prune deletes the given op_ids from the log. Callers typically run this
// against the result of Prunable inside its own transaction, separate from
// any in-flight apply batch.
func (p *CompactionPlan) Prune(ctx context.Context, opIDs [][]byte) (int64, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &syncerr.DatabaseError{Op: "begin compaction tx", Cause: err}
	}
	defer tx.Rollback()

	var total int64
	for _, opID := range opIDs {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_operations WHERE op_id = ?`, opID)
		if err != nil {
			return 0, &syncerr.DatabaseError{Op: "prune operation", Cause: err}
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, &syncerr.DatabaseError{Op: "commit compaction tx", Cause: err}
	}
	return total, nil
}
