// Package badger stores piece identifiers in a badger database.
package badger

import (
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// A Store is a badger-backed store.
type Store struct {
	db  *badger.DB
	log *zap.Logger
}

// logger routes badger's own logging to zap.
type logger struct {
	*zap.SugaredLogger
}

func (l logger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenDatabase opens a badger database at the given path.
func OpenDatabase(path string, log *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(logger{log.Named("badger").Sugar()}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}
