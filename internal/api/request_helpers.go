package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/actors"
	"github.com/phrazzld/discover-tasks/internal/api/shared"
)

// PathID extracts the UUID path parameter name. On failure it writes a 400
// response and returns false.
func PathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := shared.PathUUID(r, name)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return uuid.Nil, false
	}
	return id, true
}

// PathKind extracts the {kind} path parameter and checks that it is a safe
// path segment. On failure it writes a 400 response and returns false.
func PathKind(w http.ResponseWriter, r *http.Request) (string, bool) {
	kind := chi.URLParam(r, "kind")
	if err := actors.ValidName(kind); err != nil {
		HandleAPIError(w, r, err, "")
		return "", false
	}
	return kind, true
}

// DecodeAndValidate decodes the JSON body into v and validates it. On
// failure it writes a 400 response and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if err := shared.DecodeJSON(r, v, allowEmpty); err != nil {
		HandleAPIError(w, r, err, "")
		return false
	}
	if err := shared.ValidateRequest(v); err != nil {
		HandleAPIError(w, r, err, "")
		return false
	}
	return true
}
