// Package ids generates the identifiers used across the engine: short
// sortable delivery ids and UUIDv7 global transaction ids.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewDeliveryID returns an id for a delivery that did not name one.
func NewDeliveryID() string {
	return xid.New().String()
}

// NewRequestID returns an id used to correlate admin requests in logs.
func NewRequestID() string {
	return xid.New().String()
}

// NewGlobalTxnID returns a UUIDv7 (time-ordered) global transaction id or
// panics if generation fails.
func NewGlobalTxnID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewBranchID returns a random branch qualifier.
func NewBranchID() string {
	return uuid.NewString()
}
