package planner_test

import (
	"context"
	"testing"

	"github.com/libris-maleficarum/cascadedelete/models"
	"github.com/libris-maleficarum/cascadedelete/planner"
)

type fakeCursor struct {
	entities []*models.Entity
	i        int
}

func (c *fakeCursor) Next(ctx context.Context) (*models.Entity, bool, error) {
	if c.i >= len(c.entities) {
		return nil, false, nil
	}
	e := c.entities[c.i]
	c.i++
	return e, true, nil
}

func (c *fakeCursor) Close() error { return nil }

type fakeRepo struct {
	descendants map[string][]*models.Entity
}

func (r *fakeRepo) GetByID(ctx context.Context, worldID, entityID string, includeDeleted bool) (*models.Entity, error) {
	return nil, models.ErrNotFound
}

func (r *fakeRepo) CountChildren(ctx context.Context, worldID, entityID string) (int, error) {
	return 0, nil
}

func (r *fakeRepo) GetDescendants(ctx context.Context, worldID, entityID string) (models.DescendantCursor, error) {
	return &fakeCursor{entities: r.descendants[entityID]}, nil
}

func (r *fakeRepo) SoftDeleteOne(ctx context.Context, worldID, entityID, expectedETag, deletedBy string) (string, error) {
	return "", nil
}

func TestBuild_NonCascadeIsJustRoot(t *testing.T) {
	root := &models.Entity{ID: "E1", WorldID: "W"}
	repo := &fakeRepo{}

	plan, err := planner.Build(context.Background(), repo, root, false)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(plan.EntityIDs) != 1 || plan.EntityIDs[0] != "E1" {
		t.Errorf("Build() = %v, want [E1]", plan.EntityIDs)
	}
}

func TestBuild_CascadeChildFirstPostOrder(t *testing.T) {
	// W: E1 (root) -> E2 (depth 1) -> E3 (depth 2)
	repo := &fakeRepo{
		descendants: map[string][]*models.Entity{
			"E1": {
				{ID: "E2", WorldID: "W", Depth: 1},
				{ID: "E3", WorldID: "W", Depth: 2},
			},
		},
	}
	root := &models.Entity{ID: "E1", WorldID: "W"}

	plan, err := planner.Build(context.Background(), repo, root, true)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := []string{"E3", "E2", "E1"}
	if len(plan.EntityIDs) != len(want) {
		t.Fatalf("Build() len = %d, want %d (%v)", len(plan.EntityIDs), len(want), plan.EntityIDs)
	}
	for i := range want {
		if plan.EntityIDs[i] != want[i] {
			t.Errorf("Build()[%d] = %s, want %s (full: %v)", i, plan.EntityIDs[i], want[i], plan.EntityIDs)
		}
	}
}

func TestBuild_SiblingTieBreakAscendingByID(t *testing.T) {
	// Two children of the same depth under E1: must come out B before C.
	repo := &fakeRepo{
		descendants: map[string][]*models.Entity{
			"E1": {
				{ID: "C", WorldID: "W", Depth: 1},
				{ID: "B", WorldID: "W", Depth: 1},
			},
		},
	}
	root := &models.Entity{ID: "E1", WorldID: "W"}

	plan, err := planner.Build(context.Background(), repo, root, true)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := []string{"B", "C", "E1"}
	for i := range want {
		if plan.EntityIDs[i] != want[i] {
			t.Errorf("Build()[%d] = %s, want %s (full: %v)", i, plan.EntityIDs[i], want[i], plan.EntityIDs)
		}
	}
}

func TestBuild_DeterministicAcrossRuns(t *testing.T) {
	repo := &fakeRepo{
		descendants: map[string][]*models.Entity{
			"E1": {
				{ID: "E4", WorldID: "W", Depth: 1},
				{ID: "E2", WorldID: "W", Depth: 1},
				{ID: "E3", WorldID: "W", Depth: 2},
			},
		},
	}
	root := &models.Entity{ID: "E1", WorldID: "W"}

	first, err := planner.Build(context.Background(), repo, root, true)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	second, err := planner.Build(context.Background(), repo, root, true)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(first.EntityIDs) != len(second.EntityIDs) {
		t.Fatalf("plan lengths differ: %v vs %v", first.EntityIDs, second.EntityIDs)
	}
	for i := range first.EntityIDs {
		if first.EntityIDs[i] != second.EntityIDs[i] {
			t.Errorf("plans diverge at %d: %v vs %v", i, first.EntityIDs, second.EntityIDs)
		}
	}
}
