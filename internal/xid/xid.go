// Package xid generates unique, sortable-ish identifiers for persisted
// records. Not cryptographic beyond collision resistance.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; fall back to a
		// timestamp-only id rather than panicking in an id helper.
		return fmt.Sprintf("%s_%x", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%x_%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
