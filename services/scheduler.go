package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libris-maleficarum/cascadedelete/config"
	"github.com/libris-maleficarum/cascadedelete/logger"
	"github.com/libris-maleficarum/cascadedelete/models"
	"github.com/libris-maleficarum/cascadedelete/planner"
)

// Scheduler is the long-running background loop that drains pending and
// in-progress delete operations. Multiple Scheduler instances, in this
// process or others, may run concurrently against the same OperationLog;
// correctness rests entirely on the log's compare-and-swap, never on a
// single-writer assumption.
type Scheduler struct {
	entities   models.EntityRepository
	operations models.OperationLog
	cfg        *config.Config

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int32
}

// NewScheduler constructs a Scheduler over the given repositories and
// configuration. Start must be called to begin draining work.
func NewScheduler(entities models.EntityRepository, operations models.OperationLog, cfg *config.Config) *Scheduler {
	return &Scheduler{entities: entities, operations: operations, cfg: cfg}
}

// Start begins the scheduler's poll loop in a background goroutine. It
// first resumes any operation orphaned in_progress by a prior process
// exit, then begins steady-state polling.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("scheduler: already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	logger.Info("Scheduler.Start pollInterval=%v batchSize=%d workers=%d", s.cfg.PollInterval(), s.cfg.BatchSize, s.cfg.WorkerCount)

	s.wg.Add(1)
	go s.pollLoop()

	return nil
}

// Stop cancels the scheduler's context and blocks until the poll loop and
// any in-flight worker batch have returned; the wait has no time limit.
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return fmt.Errorf("scheduler: not running")
	}
	logger.Info("Scheduler.Stop requested")
	s.cancel()
	s.wg.Wait()
	logger.Info("Scheduler.Stop complete")
	return nil
}

// IsRunning reports whether the scheduler's poll loop is active.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	if err := s.recoverInProgress(s.ctx); err != nil {
		logger.Error("Scheduler.recoverInProgress failed: %v", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Debug("Scheduler.pollLoop stopping")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick claims one round of pending operations and sweeps expired terminal
// records. Claimed operations are processed concurrently, bounded by
// WorkerCount.
func (s *Scheduler) tick() {
	pending, err := s.operations.ListPending(s.ctx, s.cfg.WorkerCount)
	if err != nil {
		logger.Error("Scheduler.tick list pending failed: %v", err)
		return
	}

	if len(pending) > 0 {
		s.drain(pending)
	}

	if removed, err := s.operations.SweepExpired(s.ctx, time.Now()); err != nil {
		logger.Error("Scheduler.tick sweep expired failed: %v", err)
	} else if removed > 0 {
		logger.Debug("Scheduler.tick swept %d expired operations", removed)
	}
}

func (s *Scheduler) recoverInProgress(ctx context.Context) error {
	inProgress, err := s.operations.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("list in-progress: %w", err)
	}
	if len(inProgress) == 0 {
		return nil
	}
	logger.Info("Scheduler.recoverInProgress resuming %d orphaned operations", len(inProgress))
	s.drain(inProgress)
	return nil
}

// drain processes a batch of claimed/resumed operations through a worker
// pool, one operation per worker at a time.
func (s *Scheduler) drain(ops []*models.DeleteOperation) {
	opChan := make(chan *models.DeleteOperation, len(ops))
	for _, op := range ops {
		opChan <- op
	}
	close(opChan)

	var wg sync.WaitGroup
	workers := s.cfg.WorkerCount
	if workers > len(ops) {
		workers = len(ops)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range opChan {
				s.processOperation(op)
			}
		}()
	}
	wg.Wait()
}

// processOperation claims op if it is still pending, then walks its
// cascade plan to completion, checkpointing after every batch.
func (s *Scheduler) processOperation(op *models.DeleteOperation) {
	if op.Status == models.StatusPending {
		claimed, err := s.claim(op)
		if err != nil {
			logger.Warn("Scheduler.processOperation claim lost op=%s: %v", op.ID, err)
			return
		}
		op = claimed
	}

	root, err := s.entities.GetByID(s.ctx, op.WorldID, op.RootEntityID, true)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.finishFatal(op, "root not found")
			return
		}
		logger.Error("Scheduler.processOperation resolve root failed op=%s: %v", op.ID, err)
		return
	}

	if root.IsDeleted && op.TotalEntities == 0 {
		// Already-deleted root: nothing to enumerate, the operation
		// completes immediately with zero counted work.
		op.TotalEntities = 0
		op.CompletedAt = timePtr(time.Now())
		op.Status = models.StatusCompleted
		if err := s.checkpoint(op); err != nil {
			logger.Error("Scheduler.processOperation finalize already-deleted root op=%s: %v", op.ID, err)
		}
		return
	}

	plan, err := planner.Build(s.ctx, s.entities, root, op.Cascade)
	if err != nil {
		logger.Error("Scheduler.processOperation plan failed op=%s: %v", op.ID, err)
		return
	}

	if op.TotalEntities == 0 {
		op.TotalEntities = len(plan.EntityIDs)
		if err := s.checkpoint(op); err != nil {
			logger.Error("Scheduler.processOperation persist total op=%s: %v", op.ID, err)
			return
		}
	}

	s.runBatches(op, plan.EntityIDs)
}

func (s *Scheduler) claim(op *models.DeleteOperation) (*models.DeleteOperation, error) {
	expected := op.LastHeartbeat
	now := time.Now()
	op.Status = models.StatusInProgress
	op.StartedAt = timePtr(now)
	op.LastHeartbeat = now

	if err := s.operations.Update(s.ctx, op, expected); err != nil {
		return nil, err
	}
	logger.Debug("Scheduler.claim op=%s world=%s", op.ID, op.WorldID)
	return op, nil
}

// runBatches walks ids in BatchSize chunks, soft-deleting each entity with
// retry, checkpointing progress after every batch, and observing
// cancellation at each boundary.
func (s *Scheduler) runBatches(op *models.DeleteOperation, ids []string) {
	for start := 0; start < len(ids); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		deleted, failed := s.processBatch(op, batch)
		op.DeletedCount += deleted
		op.FailedCount += failed

		if err := s.checkpoint(op); err != nil {
			logger.Error("Scheduler.runBatches checkpoint failed op=%s: %v", op.ID, err)
			return
		}

		fresh, err := s.operations.GetByID(s.ctx, op.WorldID, op.ID)
		if err != nil {
			logger.Error("Scheduler.runBatches re-read failed op=%s: %v", op.ID, err)
			return
		}
		op = fresh

		if op.CancelRequested {
			op.Status = models.StatusCancelled
			op.CompletedAt = timePtr(time.Now())
			if err := s.checkpoint(op); err != nil {
				logger.Error("Scheduler.runBatches cancel finalize failed op=%s: %v", op.ID, err)
			}
			logger.Info("Scheduler.runBatches cancelled op=%s after %d/%d", op.ID, op.DeletedCount, op.TotalEntities)
			return
		}
	}

	op.CompletedAt = timePtr(time.Now())
	switch {
	case op.FailedCount == 0:
		op.Status = models.StatusCompleted
	case op.FailedCount >= op.TotalEntities:
		op.Status = models.StatusFailed
		op.ErrorDetails = stringPtr("all entities failed")
	default:
		op.Status = models.StatusPartial
	}

	if err := s.checkpoint(op); err != nil {
		logger.Error("Scheduler.runBatches finalize failed op=%s: %v", op.ID, err)
		return
	}
	logger.Info("Scheduler.runBatches finished op=%s status=%s deleted=%d failed=%d", op.ID, op.Status, op.DeletedCount, op.FailedCount)
}

// processBatch soft-deletes every entity in ids, retrying failures as
// retrySoftDelete describes before recording a failure. It returns the
// number of successes and failures in the batch.
func (s *Scheduler) processBatch(op *models.DeleteOperation, ids []string) (deleted, failed int) {
	for _, entityID := range ids {
		if s.softDeleteWithRetry(op, entityID) {
			deleted++
		} else {
			failed++
		}
	}
	return deleted, failed
}

func (s *Scheduler) softDeleteWithRetry(op *models.DeleteOperation, entityID string) bool {
	entity, err := s.entities.GetByID(s.ctx, op.WorldID, entityID, true)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Vanished between planning and deletion; treat as already gone.
			return true
		}
		return s.retrySoftDelete(op, entityID, "")
	}
	if entity.IsDeleted {
		return true
	}
	return s.retrySoftDelete(op, entityID, entity.ETag)
}

// retrySoftDelete attempts one entity's soft delete. A Conflict gets exactly
// one re-read-and-retry; a second Conflict is recorded as a failure
// immediately. Transient and fatal errors instead consume the
// SoftDeleteRetries/RetryBackoff ladder.
func (s *Scheduler) retrySoftDelete(op *models.DeleteOperation, entityID, etag string) bool {
	conflictRetried := false
	attempts := s.cfg.SoftDeleteRetries
	for attempt := 0; attempt < attempts; attempt++ {
		_, err := s.entities.SoftDeleteOne(s.ctx, op.WorldID, entityID, etag, op.CreatedBy)
		if err == nil {
			return true
		}
		if errors.Is(err, models.ErrNotFound) {
			return true
		}
		if errors.Is(err, models.ErrConflict) {
			if conflictRetried {
				break
			}
			conflictRetried = true
			fresh, rerr := s.entities.GetByID(s.ctx, op.WorldID, entityID, true)
			if rerr != nil {
				break
			}
			if fresh.IsDeleted {
				return true
			}
			etag = fresh.ETag
			continue
		}
		// Transient or fatal: back off and retry within the attempt budget.
		if attempt < len(s.cfg.RetryBackoff) {
			time.Sleep(s.cfg.RetryBackoff[attempt])
		}
	}
	s.recordFailure(op, entityID)
	return false
}

func (s *Scheduler) recordFailure(op *models.DeleteOperation, entityID string) {
	if len(op.FailedEntityIDs) < s.cfg.MaxFailedEntityIDsRecorded {
		op.FailedEntityIDs = append(op.FailedEntityIDs, entityID)
	}
}

func (s *Scheduler) finishFatal(op *models.DeleteOperation, reason string) {
	op.Status = models.StatusFailed
	op.ErrorDetails = stringPtr(reason)
	op.CompletedAt = timePtr(time.Now())
	if err := s.checkpoint(op); err != nil {
		logger.Error("Scheduler.finishFatal checkpoint failed op=%s: %v", op.ID, err)
	}
}

func (s *Scheduler) checkpoint(op *models.DeleteOperation) error {
	expected := op.LastHeartbeat
	op.LastHeartbeat = time.Now()
	if err := s.operations.Update(s.ctx, op, expected); err != nil {
		// Revert the in-memory heartbeat bump; the caller re-reads on CAS
		// failure paths that need the authoritative record.
		op.LastHeartbeat = expected
		return err
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
func stringPtr(s string) *string     { return &s }
