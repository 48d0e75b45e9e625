package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"grimm.is/tunnelboard/internal/lifecycle"
	"grimm.is/tunnelboard/internal/store"
)

const (
	ErrInvalidBody  = "Invalid request body"
	ErrInvalidIndex = "Invalid index"
	ErrNotFound     = "Not found"
	ErrUnauthorized = "Unauthorized"
	ErrSaveFailed   = "Failed to save settings"
)

// BindJSON decodes JSON from request body into the provided pointer.
// Returns true on success, false if decoding failed (error response already sent).
// Unknown fields are ignored.
func BindJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		WriteError(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return false
	}
	return true
}

// bindOptionalJSON is BindJSON for endpoints whose body may be empty.
func bindOptionalJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dest)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	WriteError(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
	return false
}

// SuccessResponse writes a standard success JSON response.
func SuccessResponse(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SuccessWithData writes success with additional data fields.
func SuccessWithData(w http.ResponseWriter, data map[string]any) {
	data["success"] = true
	WriteJSON(w, http.StatusOK, data)
}

// pathIndex parses the {index} path segment.
func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrInvalidIndex, r.PathValue("index"))
		return 0, false
	}
	return idx, true
}

// writeLifecycleError maps orchestrator errors to HTTP responses.
func writeLifecycleError(w http.ResponseWriter, err error) {
	var ve *lifecycle.ValidationError
	var pe *store.PersistError
	switch {
	case errors.As(err, &ve):
		WriteError(w, http.StatusBadRequest, err.Error(), ve.Field)
	case errors.Is(err, lifecycle.ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound)
	case errors.As(err, &pe):
		WriteError(w, http.StatusInternalServerError, ErrSaveFailed)
	case errors.Is(err, lifecycle.ErrSerializerClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusServiceUnavailable, "Service shutting down or request cancelled")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
