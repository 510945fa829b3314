// Package sqlite records completed uploads in a SQLite database.
package sqlite

import (
	"database/sql"
	_ "embed" // for init.sql
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // register the driver
	"go.uber.org/zap"
)

type (
	// A Store is a SQLite-backed upload ledger.
	Store struct {
		db  *sql.DB
		log *zap.Logger
	}

	txn struct {
		*sql.Tx
		log *zap.Logger
	}
)

//go:embed init.sql
var initDatabase string

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// transaction runs fn in a transaction, committing it if fn returns nil.
func (s *Store) transaction(fn func(*txn) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txn{Tx: tx, log: s.log}); err != nil {
		return err
	} else if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) init() error {
	target := int64(len(migrations) + 1)
	return s.transaction(func(tx *txn) error {
		var version int64
		err := tx.QueryRow(`SELECT db_version FROM global_settings`).Scan(&version)
		if err != nil && !strings.Contains(err.Error(), "no such table") && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get database version: %w", err)
		} else if err != nil {
			if _, err := tx.Exec(initDatabase); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			} else if _, err := tx.Exec(`INSERT INTO global_settings (id, db_version) VALUES (0, $1)`, target); err != nil {
				return fmt.Errorf("failed to set database version: %w", err)
			}
			s.log.Debug("database initialized", zap.Int64("version", target))
			return nil
		}

		for version < target {
			s.log.Info("migrating database", zap.Int64("from", version), zap.Int64("to", version+1))
			if err := migrations[version-1](tx, s.log.Named("migrations")); err != nil {
				return fmt.Errorf("failed to migrate database to version %d: %w", version+1, err)
			}
			version++
		}
		_, err = tx.Exec(`UPDATE global_settings SET db_version=$1`, version)
		return err
	})
}

// OpenDatabase opens a SQLite database at the given path, creating and
// migrating its schema as needed.
func OpenDatabase(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=true", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db, log: log}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
