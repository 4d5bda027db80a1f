package mutex

import "context"

// DefaultTableName is the table used by stores when no override is given.
const DefaultTableName = "mutexes"

// Store is the backing table of a Coordinator.
type Store interface {
	// Update atomically sets the record of key to next if cond holds against
	// the current record, and returns the record as it was before the write.
	// It returns ErrConditionFailed when cond does not hold and
	// ErrMalformedRecord when the stored record cannot be decoded.
	Update(ctx context.Context, key string, cond Condition, next Record) (prior Record, err error)
	// Provision creates the backing table. Calling it on an existing table is
	// not an error.
	Provision(ctx context.Context) error
}
