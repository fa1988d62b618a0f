// Package migrations holds the catalog's ordered migration ledger.
//
// SQL migrations are embedded; column-add migrations are Go migrations so a
// re-executed ALTER TABLE can swallow duplicate-column errors. Ids must
// never be reused or reordered. Every migration records itself in the
// migrations table so existing installations keep their on-disk ledger.
package migrations

import (
	"database/sql"
	"embed"
	"strings"
)

//go:embed *.sql
var FS embed.FS

// addColumn executes an ALTER TABLE ... ADD COLUMN statement, tolerating
// re-execution against a schema that already has the column.
func addColumn(tx *sql.Tx, stmt string) error {
	if _, err := tx.Exec(stmt); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return err
	}
	return nil
}

// record writes the ledger row for an applied migration.
func record(tx *sql.Tx, id int, description string) error {
	_, err := tx.Exec(
		`INSERT INTO migrations (id, description) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		id, description,
	)
	return err
}

// unrecord removes the ledger row for a rolled-back migration.
func unrecord(tx *sql.Tx, id int) error {
	_, err := tx.Exec(`DELETE FROM migrations WHERE id = ?`, id)
	return err
}
