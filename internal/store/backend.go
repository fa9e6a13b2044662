package store

import (
	"context"
)

// Backend defines the interface for token record persistence.
// The generic type T represents the record type being stored.
type Backend[T any] interface {
	// Get retrieves a record.
	// Returns the record, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a record, replacing any existing record for the key.
	Set(ctx context.Context, key string, record T) error

	// Invalidate removes a record. Removing an absent record is not an error.
	Invalidate(ctx context.Context, key string) error

	// List returns a snapshot of all stored records in no particular order.
	List(ctx context.Context) ([]T, error)

	// Clear removes all records.
	Clear(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
