package utilities

import (
	"encoding/json"
	"net/http"

	"github.com/ovaphlow/pitchfork/service-crm-auth/pkg/apperr"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its HTTP status and a client-safe message.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, apperr.Status(err), ErrorBody{Success: false, Message: apperr.Message(err)})
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid payload")
	}
	return nil
}
