package store

import (
	"context"
	"database/sql"
	"fmt"
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate, letting prepareAll eliminate repetitive error handling. Grounded
// on the teacher's internal/sync/state.go stmtDef/prepareAll pair.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on the first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("store: prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}
