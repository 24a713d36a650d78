// Package store provides the key-value storage contract shared by the
// subscriber-data and IMPI stores: string records addressed by (table, key)
// with optimistic compare-and-swap tokens and per-record expiry.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("store: record not found")

	// ErrCASMismatch is returned when a Set loses an optimistic-concurrency
	// race. Callers re-read and retry a bounded number of times.
	ErrCASMismatch = errors.New("store: cas mismatch")
)

// Store is a key-value store with compare-and-swap writes.
type Store interface {
	// Get returns the record data and its CAS token.
	Get(ctx context.Context, table, key string) (data string, cas uint64, err error)

	// Set writes data under (table, key). cas must be the token from the
	// preceding Get, or zero to require that the record does not yet
	// exist. ttl of zero means no expiry.
	Set(ctx context.Context, table, key, data string, cas uint64, ttl time.Duration) error

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, table, key string) error
}
