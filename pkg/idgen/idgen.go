// Package idgen generates globally unique, sortable identifiers used for
// audit events, review correlation IDs, and dashboard auth secrets.
package idgen

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/rs/xid"
)

// NewID generates a new globally unique, sortable identifier: a 20-character
// URL-safe xid string.
func NewID() string {
	return xid.New().String()
}

// NewEventID generates a unique ID for an audit event.
func NewEventID() string {
	return NewID()
}

// NewCorrelationID generates a unique ID for a single processPR invocation,
// threaded through log fields so every phase of one review shares it.
func NewCorrelationID() string {
	return NewID()
}

// NewSecureSecret generates a cryptographically secure random string of the
// given length, URL-safe base64 encoded. Used for the dashboard JWT signing
// key when none is configured.
func NewSecureSecret(length int) string {
	byteLength := (length*3 + 3) / 4
	buf := make([]byte, byteLength)

	if _, err := rand.Read(buf); err != nil {
		return "please-generate-a-secure-random-secret"
	}

	encoded := base64.URLEncoding.EncodeToString(buf)
	if len(encoded) > length {
		encoded = encoded[:length]
	}
	return encoded
}
