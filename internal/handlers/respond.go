package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opscentral/backend/internal/errs"
	"github.com/opscentral/backend/internal/models"
	"github.com/opscentral/backend/internal/services"

	"github.com/opscentral/backend/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses:
// validation 400, state conflict 409, not found 404, anything else 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsValidation(err):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errs.IsStateConflict(err):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errs.IsNotFound(err):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	default:
		services.SendErrorResponse(w, "internal error", http.StatusInternalServerError, nil)
	}
}

// requireActor pulls the authenticated actor from the request context.
func requireActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return models.Actor{}, false
	}
	return actor, true
}
