// Package api exposes the cascade delete engine's narrow HTTP surface:
// initiate, status, list, retry, and cancel, as described in the delete
// endpoint contract. Everything else a production deployment needs around
// this — authentication, request logging, CORS — is an external
// collaborator's concern.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/libris-maleficarum/cascadedelete/logger"
	"github.com/libris-maleficarum/cascadedelete/models"
	"github.com/libris-maleficarum/cascadedelete/services"
)

// principalContextKey is the request context key an external
// authentication collaborator is expected to populate with the
// already-identified caller before a request reaches these handlers.
type principalContextKey struct{}

// PrincipalFromContext extracts the identified caller's principal id from
// ctx. It returns ("", false) if nothing upstream set one.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalContextKey{}).(string)
	return id, ok
}

// WithPrincipal returns a copy of ctx carrying principalID, for use by
// tests and by the authentication middleware a production deployment
// supplies.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principalID)
}

// DeleteHandler serves the five delete/status endpoints, delegating all
// admission and control-plane logic to services.OperationService.
type DeleteHandler struct {
	operations *services.OperationService
}

// NewDeleteHandler constructs a DeleteHandler over svc.
func NewDeleteHandler(svc *services.OperationService) *DeleteHandler {
	return &DeleteHandler{operations: svc}
}

// RegisterRoutes attaches the delete endpoints to a gorilla/mux subrouter,
// the way entitydb-style servers mount each handler group under its own
// PathPrefix subrouter.
func (h *DeleteHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/worlds/{worldId}/entities/{entityId}", h.InitiateDelete).Methods("DELETE")
	router.HandleFunc("/worlds/{worldId}/delete-operations/{opId}", h.GetStatus).Methods("GET")
	router.HandleFunc("/worlds/{worldId}/delete-operations", h.ListRecent).Methods("GET")
	router.HandleFunc("/worlds/{worldId}/delete-operations/{opId}/retry", h.Retry).Methods("POST")
	router.HandleFunc("/worlds/{worldId}/delete-operations/{opId}/cancel", h.Cancel).Methods("POST")
}

func (h *DeleteHandler) principal(r *http.Request) (string, bool) {
	return PrincipalFromContext(r.Context())
}

// InitiateDelete starts a cascade delete of one entity.
// @Summary Initiate a cascade delete
// @Description Admits a delete request for an entity and its descendants, subject to the per-principal concurrency cap
// @Tags Delete Operations
// @Produce json
// @Param worldId path string true "World ID"
// @Param entityId path string true "Entity ID"
// @Param cascade query bool false "Delete descendants too"
// @Success 202 {object} models.DeleteOperation
// @Failure 400 {object} map[string]string "entity has non-deleted children"
// @Failure 404 {object} map[string]string "entity not found"
// @Failure 429 {object} map[string]string "concurrency cap exceeded"
// @Router /worlds/{worldId}/entities/{entityId} [delete]
func (h *DeleteHandler) InitiateDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	worldID := vars["worldId"]
	entityID := vars["entityId"]

	cascade := true
	if raw := r.URL.Query().Get("cascade"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "cascade must be true or false")
			return
		}
		cascade = parsed
	}

	principalID, ok := h.principal(r)
	if !ok {
		RespondError(w, http.StatusUnauthorized, "no principal identified for this request")
		return
	}

	op, err := h.operations.Initiate(r.Context(), worldID, entityID, cascade, principalID)
	if err != nil {
		h.writeAdmissionError(w, err, entityID)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/worlds/%s/delete-operations/%s", worldID, op.ID))
	RespondJSON(w, http.StatusAccepted, op)
}

func (h *DeleteHandler) writeAdmissionError(w http.ResponseWriter, err error, entityID string) {
	var admissionErr *models.AdmissionError
	if errors.As(err, &admissionErr) {
		w.Header().Set("Retry-After", strconv.Itoa(admissionErr.RetryAfterSeconds))
		RespondError(w, http.StatusTooManyRequests, admissionErr.Message)
		return
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		logger.Warn("DeleteHandler.InitiateDelete not found entity=%s: %v", entityID, err)
		RespondError(w, http.StatusNotFound, "entity not found")
	case errors.Is(err, models.ErrEntityHasChildren):
		logger.Warn("DeleteHandler.InitiateDelete has children entity=%s: %v", entityID, err)
		RespondError(w, http.StatusBadRequest, "entity has non-deleted children")
	default:
		logger.Error("DeleteHandler.InitiateDelete failed entity=%s: %v", entityID, err)
		RespondError(w, http.StatusInternalServerError, "failed to initiate delete")
	}
}

// GetStatus returns one delete operation's current record.
// @Summary Get delete operation status
// @Tags Delete Operations
// @Produce json
// @Param worldId path string true "World ID"
// @Param opId path string true "Operation ID"
// @Success 200 {object} models.DeleteOperation
// @Failure 404 {object} map[string]string "operation not found or expired"
// @Router /worlds/{worldId}/delete-operations/{opId} [get]
func (h *DeleteHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := h.operations.GetStatus(r.Context(), vars["worldId"], vars["opId"])
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			RespondError(w, http.StatusNotFound, "operation not found")
			return
		}
		logger.Error("DeleteHandler.GetStatus failed op=%s: %v", vars["opId"], err)
		RespondError(w, http.StatusInternalServerError, "failed to get operation status")
		return
	}
	RespondJSON(w, http.StatusOK, op)
}

// ListRecent returns recent delete operations for a world.
// @Summary List recent delete operations
// @Tags Delete Operations
// @Produce json
// @Param worldId path string true "World ID"
// @Param limit query int false "Maximum records, clamped to [1,100]"
// @Success 200 {array} models.DeleteOperation
// @Router /worlds/{worldId}/delete-operations [get]
func (h *DeleteHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	ops, err := h.operations.ListRecent(r.Context(), vars["worldId"], limit)
	if err != nil {
		logger.Error("DeleteHandler.ListRecent failed world=%s: %v", vars["worldId"], err)
		RespondError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	RespondJSON(w, http.StatusOK, ops)
}

// Retry resets a failed or partial delete operation back to pending.
// @Summary Retry a delete operation
// @Tags Delete Operations
// @Produce json
// @Param worldId path string true "World ID"
// @Param opId path string true "Operation ID"
// @Success 200 {object} models.DeleteOperation
// @Failure 400 {object} map[string]string "operation not in a retryable state"
// @Router /worlds/{worldId}/delete-operations/{opId}/retry [post]
func (h *DeleteHandler) Retry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := h.operations.Retry(r.Context(), vars["worldId"], vars["opId"])
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			RespondError(w, http.StatusNotFound, "operation not found")
		case errors.Is(err, models.ErrNotRetryable):
			RespondError(w, http.StatusBadRequest, "operation is not in a retryable state")
		default:
			logger.Error("DeleteHandler.Retry failed op=%s: %v", vars["opId"], err)
			RespondError(w, http.StatusInternalServerError, "failed to retry operation")
		}
		return
	}
	RespondJSON(w, http.StatusOK, op)
}

// Cancel requests cancellation of a pending or in-progress delete operation.
// @Summary Cancel a delete operation
// @Tags Delete Operations
// @Produce json
// @Param worldId path string true "World ID"
// @Param opId path string true "Operation ID"
// @Success 200 {object} models.DeleteOperation
// @Failure 400 {object} map[string]string "operation already terminal"
// @Router /worlds/{worldId}/delete-operations/{opId}/cancel [post]
func (h *DeleteHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := h.operations.Cancel(r.Context(), vars["worldId"], vars["opId"])
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			RespondError(w, http.StatusNotFound, "operation not found")
		case errors.Is(err, models.ErrAlreadyTerminal):
			RespondError(w, http.StatusBadRequest, "operation already terminal")
		default:
			logger.Error("DeleteHandler.Cancel failed op=%s: %v", vars["opId"], err)
			RespondError(w, http.StatusInternalServerError, "failed to cancel operation")
		}
		return
	}
	RespondJSON(w, http.StatusOK, op)
}
