// Package id generates identifiers for donations and events.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. Ids generated later sort after earlier ones
// at millisecond granularity, which keeps outbox and log scans in rough
// creation order.
func NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return value.String(), nil
}
