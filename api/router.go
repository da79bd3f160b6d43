package api

import (
	"github.com/gorilla/mux"
)

// NewRouter builds the top-level gorilla/mux router for the cascade
// delete service, mounting the delete endpoints under /api/v1 the way an
// entitydb-style server mounts each handler group on its own subrouter
// for route-ordering control.
func NewRouter(deleteHandler *DeleteHandler) *mux.Router {
	router := mux.NewRouter()
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	deleteHandler.RegisterRoutes(apiRouter)
	return router
}
