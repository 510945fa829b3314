package sqlite

import (
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

type (
	// sqlCID stores a CID in its binary form.
	sqlCID cid.Cid
	// sqlUint64 stores a uint64 as an 8-byte big-endian blob. sqlite
	// integers are signed.
	sqlUint64 uint64
	// sqlTime stores a time as unix milliseconds.
	sqlTime time.Time
)

var (
	_ sql.Scanner   = (*sqlCID)(nil)
	_ driver.Valuer = sqlCID{}
	_ sql.Scanner   = (*sqlUint64)(nil)
	_ driver.Valuer = sqlUint64(0)
	_ sql.Scanner   = (*sqlTime)(nil)
	_ driver.Valuer = sqlTime{}
)

// Value implements driver.Valuer.
func (c sqlCID) Value() (driver.Value, error) {
	return cid.Cid(c).Bytes(), nil
}

// Scan implements sql.Scanner.
func (c *sqlCID) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T to CID", src)
	}
	v, err := cid.Cast(b)
	if err != nil {
		return fmt.Errorf("failed to decode CID: %w", err)
	}
	*c = sqlCID(v)
	return nil
}

// Value implements driver.Valuer.
func (u sqlUint64) Value() (driver.Value, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(u)), nil
}

// Scan implements sql.Scanner.
func (u *sqlUint64) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok || len(b) != 8 {
		return fmt.Errorf("cannot scan %T to uint64", src)
	}
	*u = sqlUint64(binary.BigEndian.Uint64(b))
	return nil
}

// Value implements driver.Valuer.
func (t sqlTime) Value() (driver.Value, error) {
	return time.Time(t).UnixMilli(), nil
}

// Scan implements sql.Scanner.
func (t *sqlTime) Scan(src any) error {
	ms, ok := src.(int64)
	if !ok {
		return fmt.Errorf("cannot scan %T to time", src)
	}
	*t = sqlTime(time.UnixMilli(ms).UTC())
	return nil
}
