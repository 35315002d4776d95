package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
)

// writeJSON writes a success envelope.
func writeJSON(w http.ResponseWriter, _ *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{Success: true, Data: data})
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, _ *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{Error: message, Code: code})
}

// writeDomainError maps the error taxonomy onto HTTP statuses and writes the
// envelope. Every boundary error funnels through here so the mapping stays in
// one place.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		valErr       *model.ValidationError
		notConnected *model.NotConnectedError
		reconnect    *model.NeedsReconnectError
		permanent    *model.PermanentError
	)
	switch {
	case errors.As(err, &valErr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, valErr.Error())
	case errors.As(err, &notConnected):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotConnected, notConnected.Error())
	case errors.As(err, &reconnect):
		writeError(w, r, http.StatusConflict, model.ErrCodeNeedsReconnect, reconnect.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrOutcomeAlreadySet):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "outcome already recorded")
	case errors.Is(err, storage.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "sync already running")
	case errors.As(err, &permanent):
		// At the HTTP border a permanent classification means the request
		// itself was unacceptable, typically a signature mismatch.
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeInvalidSignature, permanent.Reason)
	case model.IsTransient(err):
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeTransient, "upstream temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
	}
}

// decodeJSON decodes a JSON request body into the target struct.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// pathIntegration parses the {integration} path segment.
func pathIntegration(r *http.Request) (model.IntegrationKind, error) {
	kind := model.IntegrationKind(r.PathValue("integration"))
	if !kind.Valid() {
		return "", &model.ValidationError{Field: "integration", Reason: "unknown integration"}
	}
	return kind, nil
}
