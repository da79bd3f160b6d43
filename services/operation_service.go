// Package services provides the admission, query, and control plane for
// delete operations, and the background scheduler that drains them.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libris-maleficarum/cascadedelete/config"
	"github.com/libris-maleficarum/cascadedelete/logger"
	"github.com/libris-maleficarum/cascadedelete/models"
)

// OperationService is the admission, validation, query, and control plane
// for delete operations. It never enumerates entities beyond the root
// check and child count; enumeration is the Scheduler's job.
type OperationService struct {
	entities   models.EntityRepository
	operations models.OperationLog
	cfg        *config.Config
}

// NewOperationService constructs an OperationService over the given
// repositories and configuration.
func NewOperationService(entities models.EntityRepository, operations models.OperationLog, cfg *config.Config) *OperationService {
	return &OperationService{entities: entities, operations: operations, cfg: cfg}
}

// Initiate admits a delete request for entityID in worldID on behalf
// of principalID, subject to the per-principal concurrency cap and the
// cascade=false children guard. On success it persists a new
// DeleteOperation in StatusPending and returns it; the Scheduler picks it
// up on its next poll.
func (s *OperationService) Initiate(ctx context.Context, worldID, entityID string, cascade bool, principalID string) (*models.DeleteOperation, error) {
	active, err := s.operations.CountActiveByPrincipal(ctx, worldID, principalID)
	if err != nil {
		return nil, fmt.Errorf("operation service: count active operations: %w", err)
	}
	if active >= s.cfg.MaxConcurrentPerPrincipalPerWorld {
		logger.Warn("OperationService.Initiate rejected world=%s principal=%s active=%d cap=%d", worldID, principalID, active, s.cfg.MaxConcurrentPerPrincipalPerWorld)
		return nil, models.NewRateLimitError(s.cfg.RetryAfterSeconds)
	}

	root, err := s.entities.GetByID(ctx, worldID, entityID, true)
	if err != nil {
		return nil, fmt.Errorf("operation service: resolve root entity: %w", err)
	}

	if !cascade {
		children, err := s.entities.CountChildren(ctx, worldID, entityID)
		if err != nil {
			return nil, fmt.Errorf("operation service: count children: %w", err)
		}
		if children > 0 {
			return nil, fmt.Errorf("operation service: non-cascading delete of %s: %w", entityID, models.ErrEntityHasChildren)
		}
	}

	now := time.Now()
	op := &models.DeleteOperation{
		ID:             models.NewEntityID(),
		WorldID:        worldID,
		RootEntityID:   root.ID,
		// Display name lives on the entity payload, which is out of this
		// engine's scope (spec Non-goals); snapshot the id as the only
		// stable label the engine itself owns.
		RootEntityName: root.ID,
		Cascade:        cascade,
		Status:         models.StatusPending,
		CreatedBy:      principalID,
		CreatedAt:      now,
		LastHeartbeat:  now,
		TTL:            s.cfg.OperationTTL(),
	}

	if err := s.operations.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("operation service: persist operation: %w", err)
	}

	logger.Info("OperationService.Initiate admitted op=%s world=%s root=%s cascade=%v", op.ID, worldID, entityID, cascade)
	return op, nil
}

// GetStatus is a passthrough read of one operation record.
func (s *OperationService) GetStatus(ctx context.Context, worldID, opID string) (*models.DeleteOperation, error) {
	op, err := s.operations.GetByID(ctx, worldID, opID)
	if err != nil {
		return nil, fmt.Errorf("operation service: get status: %w", err)
	}
	return op, nil
}

// ListRecent returns up to limit recent operations in worldID, clamped to
// [1, 100].
func (s *OperationService) ListRecent(ctx context.Context, worldID string, limit int) ([]*models.DeleteOperation, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	ops, err := s.operations.ListRecentByWorld(ctx, worldID, limit)
	if err != nil {
		return nil, fmt.Errorf("operation service: list recent: %w", err)
	}
	return ops, nil
}

// Retry resets a failed or partial operation back to pending, re-enumerating
// descendants on the next Scheduler pass since the tree shape may have
// changed since the original attempt. The prior attempt's counters are
// preserved in the audit trail before being cleared.
func (s *OperationService) Retry(ctx context.Context, worldID, opID string) (*models.DeleteOperation, error) {
	op, err := s.operations.GetByID(ctx, worldID, opID)
	if err != nil {
		return nil, fmt.Errorf("operation service: retry lookup: %w", err)
	}
	if op == nil {
		return nil, fmt.Errorf("operation service: retry: %w", models.ErrNotFound)
	}
	if !op.Status.IsRetryable() {
		return nil, fmt.Errorf("operation service: retry %s in status %s: %w", opID, op.Status, models.ErrNotRetryable)
	}

	expected := op.LastHeartbeat
	op.AppendAuditEntry(time.Now())
	op.Status = models.StatusPending
	op.TotalEntities = 0
	op.DeletedCount = 0
	op.FailedCount = 0
	op.FailedEntityIDs = nil
	op.ErrorDetails = nil
	op.StartedAt = nil
	op.CompletedAt = nil
	op.LastHeartbeat = time.Now()

	if err := s.operations.Update(ctx, op, expected); err != nil {
		return nil, fmt.Errorf("operation service: retry update: %w", err)
	}
	logger.Info("OperationService.Retry reset op=%s world=%s", opID, worldID)
	return op, nil
}

// Cancel sets CancelRequested on a pending or in-progress operation. The
// actual transition to StatusCancelled happens in the Scheduler at its
// next batch checkpoint.
func (s *OperationService) Cancel(ctx context.Context, worldID, opID string) (*models.DeleteOperation, error) {
	op, err := s.operations.GetByID(ctx, worldID, opID)
	if err != nil {
		return nil, fmt.Errorf("operation service: cancel lookup: %w", err)
	}
	if op == nil {
		return nil, fmt.Errorf("operation service: cancel: %w", models.ErrNotFound)
	}
	if op.Status.IsTerminal() {
		return nil, fmt.Errorf("operation service: cancel %s in status %s: %w", opID, op.Status, models.ErrAlreadyTerminal)
	}

	expected := op.LastHeartbeat
	op.CancelRequested = true

	if err := s.operations.Update(ctx, op, expected); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// The scheduler raced us to a checkpoint; the flag is read on
			// every batch boundary regardless of who wins this write, so
			// re-reading and trying once more is enough.
			op, err = s.operations.GetByID(ctx, worldID, opID)
			if err != nil {
				return nil, fmt.Errorf("operation service: cancel re-read: %w", err)
			}
			expected = op.LastHeartbeat
			op.CancelRequested = true
			if err := s.operations.Update(ctx, op, expected); err != nil {
				return nil, fmt.Errorf("operation service: cancel retry update: %w", err)
			}
		} else {
			return nil, fmt.Errorf("operation service: cancel update: %w", err)
		}
	}

	logger.Info("OperationService.Cancel requested op=%s world=%s", opID, worldID)
	return op, nil
}
