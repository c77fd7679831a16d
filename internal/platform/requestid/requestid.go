// Package requestid generates the opaque ids the daemon attaches to every
// HTTP request. The id travels as the X-Request-Id header, the request_id
// log attribute, and the request_id field of JSON error payloads.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character hex id from 16 random bytes.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
