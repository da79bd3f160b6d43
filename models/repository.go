package models

import (
	"context"
	"time"
)

// EntityRepository is the storage contract the cascade delete engine uses
// to read a world's content tree and apply soft deletes. It is implemented
// by storage/memory (tests) and storage/sqlite (production); the engine
// never depends on a concrete backend.
type EntityRepository interface {
	// GetByID fetches one entity by id within worldID. When includeDeleted
	// is false, an entity with IsDeleted set is treated as not found.
	GetByID(ctx context.Context, worldID, entityID string, includeDeleted bool) (*Entity, error)

	// CountChildren returns the number of non-deleted entities whose
	// ParentID is entityID within worldID, used by the cascade=false guard.
	CountChildren(ctx context.Context, worldID, entityID string) (int, error)

	// GetDescendants returns a lazily-advancing, restartable cursor over
	// every non-deleted descendant of entityID (exclusive of entityID
	// itself) within worldID, ordered by Depth ascending then ID so the
	// sequence is stable and ties at the same depth break
	// deterministically. Calling GetDescendants again after a crash starts
	// a fresh cursor over current state; no cursor state is persisted.
	GetDescendants(ctx context.Context, worldID, entityID string) (DescendantCursor, error)

	// SoftDeleteOne flips IsDeleted on exactly one entity, subject to an
	// ETag compare-and-swap, and returns the entity's new ETag. deletedBy
	// identifies the principal the deletion is attributed to, for an
	// external audit log; the engine does not persist it on the entity
	// itself (spec's Entity fields carry no such column). Returns
	// ErrConflict if expectedETag does not match the entity's current
	// ETag, or ErrNotFound if the entity does not exist. A delete of an
	// already-deleted entity succeeds as a no-op whatever expectedETag is,
	// returning its existing ETag unchanged, making the operation
	// idempotent.
	SoftDeleteOne(ctx context.Context, worldID, entityID, expectedETag, deletedBy string) (newETag string, err error)
}

// DescendantCursor advances over an entity's descendant set one entity at a
// time. Next returns (nil, false, nil) once exhausted.
type DescendantCursor interface {
	Next(ctx context.Context) (*Entity, bool, error)
	Close() error
}

// OperationLog is the durable store of DeleteOperation records. Every
// mutation goes through Update's compare-and-swap on LastHeartbeat so the
// whole record is replaced atomically; there is no field-level last-writer
// semantics.
type OperationLog interface {
	// Create inserts a new operation record with the status op carries;
	// an id already present in the world is rejected.
	Create(ctx context.Context, op *DeleteOperation) error

	// GetByID fetches one operation record by id within worldID.
	GetByID(ctx context.Context, worldID, opID string) (*DeleteOperation, error)

	// Update replaces the stored record for op.ID with op, guarded by a
	// compare-and-swap against expectedHeartbeat. Returns ErrConflict if the
	// stored record's LastHeartbeat does not match expectedHeartbeat.
	Update(ctx context.Context, op *DeleteOperation, expectedHeartbeat time.Time) error

	// ListRecentByWorld returns up to limit operations for worldID, newest
	// CreatedAt first.
	ListRecentByWorld(ctx context.Context, worldID string, limit int) ([]*DeleteOperation, error)

	// CountActiveByPrincipal returns the number of non-terminal operations
	// createdBy has in worldID, the input to the per-principal concurrency
	// cap.
	CountActiveByPrincipal(ctx context.Context, worldID, createdBy string) (int, error)

	// ListPending returns operations in StatusPending across all worlds,
	// claimed by the Scheduler's poll loop.
	ListPending(ctx context.Context, limit int) ([]*DeleteOperation, error)

	// ListInProgress returns operations in StatusInProgress across all
	// worlds, used by the Scheduler at startup to resume work a prior
	// process crashed while holding.
	ListInProgress(ctx context.Context) ([]*DeleteOperation, error)

	// SweepExpired deletes terminal operation records whose TTL has
	// elapsed as of now and returns the count removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
