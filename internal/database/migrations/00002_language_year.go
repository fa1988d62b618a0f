package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upLanguageYear, downLanguageYear)
}

func upLanguageYear(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE tv ADD COLUMN provider_language TEXT NOT NULL DEFAULT 'it'`,
		`ALTER TABLE tv ADD COLUMN year TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE movies ADD COLUMN provider_language TEXT NOT NULL DEFAULT 'it'`,
		`ALTER TABLE movies ADD COLUMN year TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range stmts {
		if err := addColumn(tx, stmt); err != nil {
			return err
		}
	}
	return record(tx, 2, "provider language and year columns")
}

func downLanguageYear(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE tv DROP COLUMN provider_language`,
		`ALTER TABLE tv DROP COLUMN year`,
		`ALTER TABLE movies DROP COLUMN provider_language`,
		`ALTER TABLE movies DROP COLUMN year`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return unrecord(tx, 2)
}
