package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 1 << 20

// Request decoding errors
var (
	// ErrInvalidJSON means the body could not be decoded.
	ErrInvalidJSON = errors.New("invalid JSON body")
	// ErrInvalidID means a path parameter is not a UUID.
	ErrInvalidID = errors.New("invalid id")
)

// Global validator instance for reuse
var validate = validator.New()

// DecodeJSON decodes the request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func DecodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// ValidateRequest validates v with its struct tags.
func ValidateRequest(v any) error {
	return validate.Struct(v)
}

// PathUUID parses the chi path parameter name as a UUID.
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q", ErrInvalidID, name, raw)
	}
	return id, nil
}
