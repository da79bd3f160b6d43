// Package models defines the core data structures and storage contracts for
// the cascade delete engine: entities in a world's hierarchical content tree,
// delete operations, and the repository interfaces the engine consumes.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity represents a single node in a world's hierarchical content tree.
//
// Entities are owned and mutated by an external entity-management
// collaborator; the cascade delete engine only ever flips IsDeleted via
// SoftDeleteOne, never creates or hard-deletes one.
type Entity struct {
	// ID is the entity's globally unique identifier.
	ID string `json:"id"`

	// WorldID identifies the owning world; the partition key for all storage.
	WorldID string `json:"worldId"`

	// ParentID is nil for root entities, otherwise the immediate parent's id.
	ParentID *string `json:"parentId,omitempty"`

	// Path is the ordered sequence of ancestor ids from root, exclusive of self.
	Path []string `json:"path"`

	// Depth is len(Path); zero iff the entity is a root.
	Depth int `json:"depth"`

	// OwnerID is the principal that owns the world this entity belongs to.
	OwnerID string `json:"ownerId"`

	// IsDeleted is the soft-delete marker. The engine is the only writer.
	IsDeleted bool `json:"isDeleted"`

	// ETag is an opaque version token, bumped on every persisted mutation.
	ETag string `json:"etag"`

	// ModifiedAt is the timestamp of the entity's last mutation.
	ModifiedAt time.Time `json:"modifiedAt"`
}

// IsRoot reports whether the entity has no parent.
func (e *Entity) IsRoot() bool {
	return e.ParentID == nil
}

// NewETag generates a fresh opaque version token for an entity mutation.
func NewETag() string {
	return uuid.NewString()
}

// NewEntityID generates a fresh 128-bit opaque entity identifier.
func NewEntityID() string {
	return uuid.NewString()
}
