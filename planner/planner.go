// Package planner computes the ordered set of entities a cascade delete
// must visit. It is pure with respect to storage: given a cursor over an
// entity's descendants, it produces a deterministic, restartable plan and
// never issues a write itself.
package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/libris-maleficarum/cascadedelete/models"
)

// Plan is the ordered sequence of entity ids a Scheduler worker must
// soft-delete for one operation, child-first with the root last.
type Plan struct {
	EntityIDs []string
}

// Build produces the post-order deletion plan for root within worldID.
//
// When cascade is false, the plan is just [root.ID] — the caller is
// responsible for having already rejected roots with live children via
// CountChildren before reaching this point (spec: admission fails fast
// with EntityHasChildren, the Planner is never invoked for that case).
//
// When cascade is true, every non-deleted descendant of root is included,
// child-first (deepest depth first), with entities at the same depth
// broken by ascending id so two runs against the same store snapshot
// produce identical output.
func Build(ctx context.Context, repo models.EntityRepository, root *models.Entity, cascade bool) (*Plan, error) {
	if !cascade {
		return &Plan{EntityIDs: []string{root.ID}}, nil
	}

	cursor, err := repo.GetDescendants(ctx, root.WorldID, root.ID)
	if err != nil {
		return nil, fmt.Errorf("planner: get descendants of %s: %w", root.ID, err)
	}
	defer cursor.Close()

	var descendants []*models.Entity
	for {
		entity, ok, err := cursor.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("planner: advance descendant cursor: %w", err)
		}
		if !ok {
			break
		}
		descendants = append(descendants, entity)
	}

	ordered := postOrder(descendants)
	ids := make([]string, 0, len(ordered)+1)
	for _, e := range ordered {
		ids = append(ids, e.ID)
	}
	ids = append(ids, root.ID)

	return &Plan{EntityIDs: ids}, nil
}

// postOrder arranges descendants so that every entity appears after all of
// its own descendants, using Path length (depth) as the primary key —
// deepest first — and id as the tie-break within a depth. No parent/child
// pointers are materialized. The result is not always the sequence a
// recursive post-order walk would give: all entities of one depth come
// before any entity of the depth above, across sibling subtrees.
func postOrder(entities []*models.Entity) []*models.Entity {
	ordered := make([]*models.Entity, len(entities))
	copy(ordered, entities)

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Depth != ordered[j].Depth {
			return ordered[i].Depth > ordered[j].Depth
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
