package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// TableInfo returns a table's column names (in declaration order) and its
// primary-key column names (in key order), read from PRAGMA table_info.
func TableInfo(ctx context.Context, db *sql.DB, tableName string) (columns []string, pk []string, err error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, QuoteIdent(tableName)))
	if err != nil {
		return nil, nil, &syncerr.DatabaseError{Op: "table_info", Cause: err}
	}
	defer rows.Close()

	type col struct {
		name    string
		pkOrder int
	}
	var cols []col
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pkOrder int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pkOrder); err != nil {
			return nil, nil, &syncerr.DatabaseError{Op: "table_info scan", Cause: err}
		}
		cols = append(cols, col{name: name, pkOrder: pkOrder})
		columns = append(columns, name)
	}
	for i := 1; ; i++ {
		found := false
		for _, c := range cols {
			if c.pkOrder == i {
				pk = append(pk, c.name)
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return columns, pk, nil
}

// QuoteIdent double-quotes a SQL identifier, escaping embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
