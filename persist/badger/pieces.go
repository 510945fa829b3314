package badger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.pdpstore.dev/synapse/piece"
	"go.uber.org/zap"
)

var piecePrefix = []byte("piece/")

func pieceKey(key [32]byte) []byte {
	return append(append([]byte(nil), piecePrefix...), key[:]...)
}

// PieceInfo returns the piece identifiers cached under a content key.
func (s *Store) PieceInfo(key [32]byte) (info piece.Info, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pieceKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		ok = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	return
}

// AddPieceInfo caches piece identifiers under a content key.
func (s *Store) AddPieceInfo(key [32]byte, info piece.Info) error {
	buf, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pieceKey(key), buf)
	})
}

// PieceInfos streams every cached piece. The channel is closed when the
// iteration ends or ctx is cancelled.
func (s *Store) PieceInfos(ctx context.Context) <-chan piece.Info {
	ch := make(chan piece.Info)

	go func() {
		defer close(ch)
		log := s.log.Named("pieceInfos")
		_ = s.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: piecePrefix, PrefetchValues: true, PrefetchSize: 100})
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var info piece.Info
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &info)
				})
				if err != nil {
					log.Error("failed to decode piece info", zap.Binary("key", it.Item().KeyCopy(nil)), zap.Error(err))
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ch <- info:
				}
			}
			return nil
		})
	}()
	return ch
}
