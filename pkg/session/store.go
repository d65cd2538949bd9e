package session

import "context"

// Store is the durability contract for conversation records.
//
// Implementations must guarantee that a Save completed before process restart
// is visible to a subsequent Load (durability), and that concurrent Saves for
// the same key are serialized: the stored record always equals one writer's
// input, never a mix. No cross-key transactional guarantees are required.
type Store interface {
	// Load returns the record for key, or ErrNotFound when no record exists.
	// A record that cannot be decoded yields ErrCorrupt.
	Load(ctx context.Context, key Key) (*Record, error)

	// Save persists the record, overwriting any previous version atomically.
	Save(ctx context.Context, record *Record) error

	// ListByInstance returns all records for one instance, newest first.
	// Used by the CRUD layer for conversation history display.
	ListByInstance(ctx context.Context, tenantID, instanceID string) ([]*Record, error)

	// Close releases store resources.
	Close() error
}
