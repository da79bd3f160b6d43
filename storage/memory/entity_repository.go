// Package memory provides an in-memory EntityRepository and OperationLog,
// used by the test suite and available as a StorageBackend option for
// local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libris-maleficarum/cascadedelete/models"
)

// EntityRepository is a process-local, mutex-guarded implementation of
// models.EntityRepository, keyed by (worldID, entityID).
type EntityRepository struct {
	mu       sync.RWMutex
	entities map[string]map[string]*models.Entity
}

// NewEntityRepository constructs an empty EntityRepository.
func NewEntityRepository() *EntityRepository {
	return &EntityRepository{entities: make(map[string]map[string]*models.Entity)}
}

// Seed inserts entities directly, bypassing any concurrency control. For
// test setup only.
func (r *EntityRepository) Seed(entities ...*models.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entities {
		world := r.entities[e.WorldID]
		if world == nil {
			world = make(map[string]*models.Entity)
			r.entities[e.WorldID] = world
		}
		clone := *e
		world[e.ID] = &clone
	}
}

func (r *EntityRepository) GetByID(ctx context.Context, worldID, entityID string, includeDeleted bool) (*models.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	world := r.entities[worldID]
	if world == nil {
		return nil, models.ErrNotFound
	}
	entity, ok := world[entityID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if entity.IsDeleted && !includeDeleted {
		return nil, models.ErrNotFound
	}
	clone := *entity
	return &clone, nil
}

func (r *EntityRepository) CountChildren(ctx context.Context, worldID, entityID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	world := r.entities[worldID]
	count := 0
	for _, e := range world {
		if e.IsDeleted {
			continue
		}
		if e.ParentID != nil && *e.ParentID == entityID {
			count++
		}
	}
	return count, nil
}

func (r *EntityRepository) GetDescendants(ctx context.Context, worldID, entityID string) (models.DescendantCursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	world := r.entities[worldID]
	var descendants []*models.Entity
	for _, e := range world {
		if e.IsDeleted {
			continue
		}
		if pathContains(e.Path, entityID) {
			clone := *e
			descendants = append(descendants, &clone)
		}
	}
	sort.Slice(descendants, func(i, j int) bool {
		if descendants[i].Depth != descendants[j].Depth {
			return descendants[i].Depth < descendants[j].Depth
		}
		return descendants[i].ID < descendants[j].ID
	})
	return &sliceCursor{items: descendants}, nil
}

func (r *EntityRepository) SoftDeleteOne(ctx context.Context, worldID, entityID, expectedETag, deletedBy string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	world := r.entities[worldID]
	if world == nil {
		return "", models.ErrNotFound
	}
	entity, ok := world[entityID]
	if !ok {
		return "", models.ErrNotFound
	}
	if entity.IsDeleted {
		return entity.ETag, nil
	}
	if entity.ETag != expectedETag {
		return "", models.ErrConflict
	}
	entity.IsDeleted = true
	entity.ETag = models.NewETag()
	entity.ModifiedAt = time.Now()
	return entity.ETag, nil
}

func pathContains(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

type sliceCursor struct {
	items []*models.Entity
	i     int
}

func (c *sliceCursor) Next(ctx context.Context) (*models.Entity, bool, error) {
	if c.i >= len(c.items) {
		return nil, false, nil
	}
	e := c.items[c.i]
	c.i++
	return e, true, nil
}

func (c *sliceCursor) Close() error { return nil }
