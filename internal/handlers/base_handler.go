package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/queue"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/tracker"
)

var (
	// errValidation covers malformed query parameters and request bodies.
	errValidation = errors.New("validation error")
	// errUnprocessable covers well-formed bodies that fail semantic checks.
	errUnprocessable = errors.New("unprocessable entity")
	// errPrecondition covers violated request preconditions, like a hostname
	// containing the workers delimiter.
	errPrecondition = errors.New("precondition failed")
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct{}

// respondWithJSON writes a JSON response
func (h *BaseHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal_error","message":"Failed to marshal response"}`)) // Simple fallback
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError translates domain errors into the uniform wire shape.
// Stack traces and internal details never leak to the client.
func (h *BaseHandler) respondWithError(w http.ResponseWriter, err error) {
	var code int
	var errType string
	var message string

	switch {
	case errors.Is(err, errValidation):
		errType = "validation_error"
		message = err.Error()
		code = http.StatusBadRequest
	case errors.Is(err, errPrecondition):
		errType = "precondition_failed"
		message = err.Error()
		code = http.StatusPreconditionFailed
	case errors.Is(err, errUnprocessable):
		errType = "unprocessable_entity"
		message = err.Error()
		code = http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrInvalidStatus):
		errType = "unprocessable_entity"
		message = "Invalid status transition"
		code = http.StatusUnprocessableEntity
	case errors.Is(err, tracker.ErrJobDeleted):
		errType = "not_found"
		message = "Job no longer exists"
		code = http.StatusNotFound
	// A non-lease-holder reads as not found so foreign jobs are not leaked.
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrNotLeaseHolder),
		errors.Is(err, filesystem.ErrNotFound):
		errType = "not_found"
		message = "Resource not found"
		code = http.StatusNotFound
	case errors.Is(err, filesystem.ErrPermissionDenied):
		errType = "forbidden"
		message = "Permission denied"
		code = http.StatusForbidden
	default:
		errType = "internal_error"
		message = "Internal server error"
		code = http.StatusInternalServerError
	}

	h.respondWithJSON(w, code, ErrorResponse{
		Error:   errType,
		Message: message,
	})
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

func unprocessableErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errUnprocessable, fmt.Sprintf(format, args...))
}

func preconditionErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errPrecondition, fmt.Sprintf(format, args...))
}
