package sqlite

import (
	"go.uber.org/zap"
)

// migrateVersion2 indexes uploads by data set.
func migrateVersion2(tx *txn, _ *zap.Logger) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS uploads_data_set_id ON uploads(data_set_id);`)
	return err
}

// migrations is a list of functions that are run to migrate the database from
// one version to the next. Migrations are used to update existing databases to
// match the schema in init.sql.
var migrations = []func(tx *txn, log *zap.Logger) error{
	migrateVersion2,
}
