package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/libris-maleficarum/cascadedelete/models"
)

// OperationLog is a process-local, mutex-guarded implementation of
// models.OperationLog, keyed by (worldID, opID).
type OperationLog struct {
	mu         sync.Mutex
	operations map[string]map[string]*models.DeleteOperation
}

// NewOperationLog constructs an empty OperationLog.
func NewOperationLog() *OperationLog {
	return &OperationLog{operations: make(map[string]map[string]*models.DeleteOperation)}
}

func (l *OperationLog) Create(ctx context.Context, op *models.DeleteOperation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	world := l.operations[op.WorldID]
	if world == nil {
		world = make(map[string]*models.DeleteOperation)
		l.operations[op.WorldID] = world
	}
	if _, exists := world[op.ID]; exists {
		return models.ErrConflict
	}
	clone := *op
	world[op.ID] = &clone
	return nil
}

func (l *OperationLog) GetByID(ctx context.Context, worldID, opID string) (*models.DeleteOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	world := l.operations[worldID]
	if world == nil {
		return nil, models.ErrNotFound
	}
	op, ok := world[opID]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *op
	return &clone, nil
}

func (l *OperationLog) Update(ctx context.Context, op *models.DeleteOperation, expectedHeartbeat time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	world := l.operations[op.WorldID]
	if world == nil {
		return models.ErrNotFound
	}
	current, ok := world[op.ID]
	if !ok {
		return models.ErrNotFound
	}
	if !current.LastHeartbeat.Equal(expectedHeartbeat) {
		return models.ErrConflict
	}
	clone := *op
	world[op.ID] = &clone
	return nil
}

func (l *OperationLog) ListRecentByWorld(ctx context.Context, worldID string, limit int) ([]*models.DeleteOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	world := l.operations[worldID]
	now := time.Now()
	var result []*models.DeleteOperation
	for _, op := range world {
		if op.Expired(now) {
			continue
		}
		clone := *op
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (l *OperationLog) CountActiveByPrincipal(ctx context.Context, worldID, createdBy string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	world := l.operations[worldID]
	count := 0
	for _, op := range world {
		if op.CreatedBy != createdBy {
			continue
		}
		if op.Status == models.StatusPending || op.Status == models.StatusInProgress {
			count++
		}
	}
	return count, nil
}

func (l *OperationLog) ListPending(ctx context.Context, limit int) ([]*models.DeleteOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listByStatus(models.StatusPending, limit), nil
}

func (l *OperationLog) ListInProgress(ctx context.Context) ([]*models.DeleteOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listByStatus(models.StatusInProgress, 0), nil
}

// listByStatus must be called with l.mu held.
func (l *OperationLog) listByStatus(status models.OperationStatus, limit int) []*models.DeleteOperation {
	var result []*models.DeleteOperation
	for _, world := range l.operations {
		for _, op := range world {
			if op.Status != status {
				continue
			}
			clone := *op
			result = append(result, &clone)
			if limit > 0 && len(result) >= limit {
				return result
			}
		}
	}
	return result
}

func (l *OperationLog) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, world := range l.operations {
		for id, op := range world {
			if op.Expired(now) {
				delete(world, id)
				removed++
			}
		}
	}
	return removed, nil
}
