package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/libris-maleficarum/cascadedelete/api"
	"github.com/libris-maleficarum/cascadedelete/config"
	"github.com/libris-maleficarum/cascadedelete/models"
	"github.com/libris-maleficarum/cascadedelete/services"
	"github.com/libris-maleficarum/cascadedelete/storage/memory"
)

func newTestRouter() (*mux.Router, *memory.EntityRepository, *memory.OperationLog, *services.OperationService) {
	cfg := config.Load()
	cfg.MaxConcurrentPerPrincipalPerWorld = 1
	entities := memory.NewEntityRepository()
	operations := memory.NewOperationLog()
	svc := services.NewOperationService(entities, operations, cfg)
	handler := api.NewDeleteHandler(svc)
	return api.NewRouter(handler), entities, operations, svc
}

func withPrincipal(req *http.Request, principal string) *http.Request {
	return req.WithContext(api.WithPrincipal(req.Context(), principal))
}

func TestInitiateDelete_NotFoundEntity(t *testing.T) {
	router, _, _, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/worlds/W/entities/ghost", nil)
	req = withPrincipal(req, "P")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestInitiateDelete_NoPrincipalIsUnauthorized(t *testing.T) {
	router, entities, _, _ := newTestRouter()
	entities.Seed(&models.Entity{ID: "E1", WorldID: "W", ETag: models.NewETag(), ModifiedAt: time.Now()})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/worlds/W/entities/E1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401, body=%s", rec.Code, rec.Body.String())
	}
}

func TestInitiateDelete_NonCascadeWithChildrenIsBadRequest(t *testing.T) {
	router, entities, _, _ := newTestRouter()
	root := "E1"
	entities.Seed(
		&models.Entity{ID: "E1", WorldID: "W", ETag: models.NewETag(), ModifiedAt: time.Now()},
		&models.Entity{ID: "E2", WorldID: "W", ParentID: &root, ETag: models.NewETag(), ModifiedAt: time.Now()},
	)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/worlds/W/entities/E1?cascade=false", nil)
	req = withPrincipal(req, "P")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestInitiateDelete_SuccessSetsLocationAnd202(t *testing.T) {
	router, entities, _, _ := newTestRouter()
	entities.Seed(&models.Entity{ID: "E1", WorldID: "W", ETag: models.NewETag(), ModifiedAt: time.Now()})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/worlds/W/entities/E1", nil)
	req = withPrincipal(req, "P")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") == "" {
		t.Error("Location header not set")
	}
}

func TestInitiateDelete_RateLimitSetsRetryAfterAnd429(t *testing.T) {
	router, entities, _, _ := newTestRouter()
	entities.Seed(
		&models.Entity{ID: "E1", WorldID: "W", ETag: models.NewETag(), ModifiedAt: time.Now()},
		&models.Entity{ID: "E2", WorldID: "W", ETag: models.NewETag(), ModifiedAt: time.Now()},
	)

	req1 := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/worlds/W/entities/E1", nil), "P")
	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("first initiate status = %d, want 202", rec1.Code)
	}

	req2 := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/worlds/W/entities/E2", nil), "P")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body=%s", rec2.Code, rec2.Body.String())
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set")
	}
}

func TestGetStatus_UnknownOperationIs404(t *testing.T) {
	router, _, _, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/worlds/W/delete-operations/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancel_AlreadyTerminalIsBadRequest(t *testing.T) {
	router, entities, operations, svc := newTestRouter()
	entities.Seed(&models.Entity{ID: "E1", WorldID: "W", ETag: models.NewETag(), ModifiedAt: time.Now()})

	req := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/worlds/W/entities/E1", nil), "P")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("initiate status = %d, want 202", rec.Code)
	}

	opID := locationOpID(t, rec)
	op, err := svc.GetStatus(req.Context(), "W", opID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}

	// Drive the operation to a terminal state the way the Scheduler would,
	// writing straight to the log so Cancel then sees it as non-cancelable.
	expected := op.LastHeartbeat
	op.Status = models.StatusCompleted
	if err := operations.Update(req.Context(), op, expected); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/v1/worlds/W/delete-operations/"+opID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	router.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body=%s", cancelRec.Code, cancelRec.Body.String())
	}
}

func locationOpID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	loc := rec.Header().Get("Location")
	for i := len(loc) - 1; i >= 0; i-- {
		if loc[i] == '/' {
			return loc[i+1:]
		}
	}
	t.Fatalf("could not parse op id from Location header %q", loc)
	return ""
}
