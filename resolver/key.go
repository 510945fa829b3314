package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/multiformats/go-varint"
)

// IdempotencyKeySize is the length of an idempotency key in hex characters.
const IdempotencyKeySize = 32

// IdempotencyKey derives the key of a side-effecting request from its
// operation name and ordered arguments. Every field is length-prefixed so
// that argument boundaries are part of the digest.
func IdempotencyKey(op string, args ...string) string {
	h := sha256.New()
	write := func(s string) {
		h.Write(varint.ToUvarint(uint64(len(s))))
		h.Write([]byte(s))
	}
	write(op)
	for _, arg := range args {
		write(arg)
	}
	return hex.EncodeToString(h.Sum(nil))[:IdempotencyKeySize]
}

func formatUint(n uint64) string {
	return strconv.FormatUint(n, 10)
}
