package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSeasonsData, downSeasonsData)
}

func upSeasonsData(ctx context.Context, tx *sql.Tx) error {
	if err := addColumn(tx, `ALTER TABLE tv ADD COLUMN seasons_data TEXT NOT NULL DEFAULT '{}'`); err != nil {
		return err
	}
	return record(tx, 3, "per-season progress map for tv")
}

func downSeasonsData(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.Exec(`ALTER TABLE tv DROP COLUMN seasons_data`); err != nil {
		return err
	}
	return unrecord(tx, 3)
}
