package sqlite

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/storage"
	"go.uber.org/zap"
)

const uploadColumns = `piece_cid, piece_cid_v1, payload_size, padded_size, data_set_id, provider_id, tx_hash, created_at`

// AddUpload records a completed upload.
func (s *Store) AddUpload(u storage.Upload) error {
	s.log.Debug("recording upload", zap.Stringer("pieceCID", u.PieceCID), zap.Uint64("dataSetID", u.DataSetID), zap.String("txHash", u.TxHash))
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO uploads (`+uploadColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sqlCID(u.PieceCID), sqlCID(u.PieceCIDV1), sqlUint64(u.PayloadSize), sqlUint64(u.PaddedSize),
			sqlUint64(u.DataSetID), sqlUint64(u.ProviderID), u.TxHash, sqlTime(u.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to insert upload: %w", err)
		}
		return nil
	})
}

func scanUploads(tx *txn, query string, args ...any) (uploads []storage.Upload, err error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u storage.Upload
		err := rows.Scan((*sqlCID)(&u.PieceCID), (*sqlCID)(&u.PieceCIDV1), (*sqlUint64)(&u.PayloadSize), (*sqlUint64)(&u.PaddedSize),
			(*sqlUint64)(&u.DataSetID), (*sqlUint64)(&u.ProviderID), &u.TxHash, (*sqlTime)(&u.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// Uploads returns recorded uploads, oldest first. If there are no remaining
// uploads, the returned value is (nil, nil).
func (s *Store) Uploads(offset, limit int) (uploads []storage.Upload, err error) {
	err = s.transaction(func(tx *txn) error {
		uploads, err = scanUploads(tx, `SELECT `+uploadColumns+` FROM uploads ORDER BY id ASC LIMIT $1 OFFSET $2`, limit, offset)
		return err
	})
	return
}

// PieceUploads returns every recorded upload of a piece.
func (s *Store) PieceUploads(pieceCID cid.Cid) (uploads []storage.Upload, err error) {
	err = s.transaction(func(tx *txn) error {
		uploads, err = scanUploads(tx, `SELECT `+uploadColumns+` FROM uploads WHERE piece_cid=$1 ORDER BY id ASC`, sqlCID(pieceCID))
		return err
	})
	return
}

// DataSetUploads returns the recorded uploads to a data set, oldest first.
func (s *Store) DataSetUploads(dataSetID uint64, offset, limit int) (uploads []storage.Upload, err error) {
	err = s.transaction(func(tx *txn) error {
		uploads, err = scanUploads(tx, `SELECT `+uploadColumns+` FROM uploads WHERE data_set_id=$1 ORDER BY id ASC LIMIT $2 OFFSET $3`, sqlUint64(dataSetID), limit, offset)
		return err
	})
	return
}
