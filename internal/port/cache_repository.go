package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency removes the key so the guarded action can run again
	ClearIdempotency(ctx context.Context, key string) error
}

type LineageLocker interface {
	// Lock blocks until the lineage is held or ctx is done. The returned
	// function releases the lock.
	Lock(ctx context.Context, bidID string) (func(), error)
}
