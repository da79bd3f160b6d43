package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/libris-maleficarum/cascadedelete/config"
	"github.com/libris-maleficarum/cascadedelete/models"
	"github.com/libris-maleficarum/cascadedelete/services"
	"github.com/libris-maleficarum/cascadedelete/storage/memory"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.PollIntervalMs = 10
	cfg.BatchSize = 2
	cfg.MaxConcurrentPerPrincipalPerWorld = 2
	return cfg
}

func seedChain(repo *memory.EntityRepository, worldID string, ids ...string) {
	var parent *string
	var path []string
	for depth, id := range ids {
		e := &models.Entity{
			ID:         id,
			WorldID:    worldID,
			ParentID:   parent,
			Depth:      depth,
			ETag:       models.NewETag(),
			ModifiedAt: time.Now(),
		}
		e.Path = append(e.Path, path...)
		repo.Seed(e)
		path = append(path, id)
		pid := id
		parent = &pid
	}
}

func waitForTerminal(t *testing.T, svc *services.OperationService, worldID, opID string) *models.DeleteOperation {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		op, err := svc.GetStatus(context.Background(), worldID, opID)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if op.Status.IsTerminal() {
			return op
		}
		select {
		case <-deadline:
			t.Fatalf("operation %s did not reach a terminal state in time, last status %s", opID, op.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestScenarioA_SimpleCascadeOfThree mirrors a root with two descendants,
// expecting all three soft-deleted and counted.
func TestScenarioA_SimpleCascadeOfThree(t *testing.T) {
	cfg := testConfig()
	entityRepo := memory.NewEntityRepository()
	opLog := memory.NewOperationLog()
	seedChain(entityRepo, "W", "E1", "E2", "E3")

	svc := services.NewOperationService(entityRepo, opLog, cfg)
	scheduler := services.NewScheduler(entityRepo, opLog, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer scheduler.Stop()

	op, err := svc.Initiate(context.Background(), "W", "E1", true, "P")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if op.Status != models.StatusPending {
		t.Fatalf("Initiate() status = %s, want pending", op.Status)
	}

	final := waitForTerminal(t, svc, "W", op.ID)
	if final.Status != models.StatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	if final.TotalEntities != 3 || final.DeletedCount != 3 || final.FailedCount != 0 {
		t.Errorf("final counts = total=%d deleted=%d failed=%d, want 3/3/0", final.TotalEntities, final.DeletedCount, final.FailedCount)
	}

	for _, id := range []string{"E1", "E2", "E3"} {
		e, err := entityRepo.GetByID(context.Background(), "W", id, true)
		if err != nil {
			t.Fatalf("GetByID(%s) error = %v", id, err)
		}
		if !e.IsDeleted {
			t.Errorf("entity %s not soft-deleted", id)
		}
	}
}

// TestScenarioB_NonCascadeWithChildrenFailsFast verifies admission rejects
// a cascade=false request against a root with a live child, without
// creating an operation record.
func TestScenarioB_NonCascadeWithChildrenFailsFast(t *testing.T) {
	cfg := testConfig()
	entityRepo := memory.NewEntityRepository()
	opLog := memory.NewOperationLog()
	seedChain(entityRepo, "W", "E1", "E2")

	svc := services.NewOperationService(entityRepo, opLog, cfg)

	_, err := svc.Initiate(context.Background(), "W", "E1", false, "P")
	if err == nil {
		t.Fatal("Initiate() expected EntityHasChildren error, got nil")
	}

	root, err := entityRepo.GetByID(context.Background(), "W", "E1", true)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if root.IsDeleted {
		t.Error("root should not have been deleted on admission failure")
	}
}

// TestScenarioC_IdempotentRedelete verifies initiating a delete against an
// already-deleted root with no descendants completes with deletedCount=0.
func TestScenarioC_IdempotentRedelete(t *testing.T) {
	cfg := testConfig()
	entityRepo := memory.NewEntityRepository()
	opLog := memory.NewOperationLog()
	entityRepo.Seed(&models.Entity{ID: "E1", WorldID: "W", IsDeleted: true, ETag: models.NewETag(), ModifiedAt: time.Now()})

	svc := services.NewOperationService(entityRepo, opLog, cfg)
	scheduler := services.NewScheduler(entityRepo, opLog, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer scheduler.Stop()

	op, err := svc.Initiate(context.Background(), "W", "E1", true, "P")
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	final := waitForTerminal(t, svc, "W", op.ID)
	if final.Status != models.StatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	if final.DeletedCount != 0 {
		t.Errorf("deletedCount = %d, want 0", final.DeletedCount)
	}
}

// TestScenarioD_RateLimitExhaustion verifies a third concurrent operation
// for the same principal/world is rejected with a retry-after hint, while
// a different world is unaffected.
func TestScenarioD_RateLimitExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerPrincipalPerWorld = 2
	entityRepo := memory.NewEntityRepository()
	opLog := memory.NewOperationLog()
	seedChain(entityRepo, "W", "E1")
	seedChain(entityRepo, "W", "E2")
	seedChain(entityRepo, "W", "E3")
	seedChain(entityRepo, "W2", "E4")

	svc := services.NewOperationService(entityRepo, opLog, cfg)

	if _, err := svc.Initiate(context.Background(), "W", "E1", true, "P"); err != nil {
		t.Fatalf("Initiate() #1 error = %v", err)
	}
	if _, err := svc.Initiate(context.Background(), "W", "E2", true, "P"); err != nil {
		t.Fatalf("Initiate() #2 error = %v", err)
	}

	_, err := svc.Initiate(context.Background(), "W", "E3", true, "P")
	if err == nil {
		t.Fatal("Initiate() #3 expected RateLimitExceeded, got nil")
	}
	var admissionErr *models.AdmissionError
	if !asAdmissionError(err, &admissionErr) {
		t.Fatalf("Initiate() #3 error type = %T, want *models.AdmissionError", err)
	}
	if admissionErr.RetryAfterSeconds != cfg.RetryAfterSeconds {
		t.Errorf("RetryAfterSeconds = %d, want %d", admissionErr.RetryAfterSeconds, cfg.RetryAfterSeconds)
	}

	if _, err := svc.Initiate(context.Background(), "W2", "E4", true, "P"); err != nil {
		t.Fatalf("Initiate() different world error = %v", err)
	}
}

func asAdmissionError(err error, target **models.AdmissionError) bool {
	ae, ok := err.(*models.AdmissionError)
	if ok {
		*target = ae
	}
	return ok
}
