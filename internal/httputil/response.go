// Package httputil holds the response helpers shared by the monitor
// routes and the run database admin routes.
package httputil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/banshee-data/lattice.flow/internal/simerr"
)

// ErrorResponse is the body of every JSON error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the simulation error kind, when the error carries one.
	Kind string `json:"kind,omitempty"`
}

// WriteJSON encodes v as the body of a reply with the given status. The
// value is encoded before the header is written so an encoding failure
// becomes a 500 instead of a truncated 200.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return err
	}
	return Write(w, status, "application/json", buf.Bytes())
}

// WriteError replies with an ErrorResponse for err.
func WriteError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: http.StatusText(status)}
	if err != nil {
		resp.Error = err.Error()
		if k := simerr.Kind(err); k != "Unknown" {
			resp.Kind = k
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Write replies with data as a body of the given content type.
func Write(w http.ResponseWriter, status int, contentType string, data []byte) error {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, err := w.Write(data)
	return err
}

// Render runs render into a buffer and replies with the result, or with
// a 500 if render fails.
func Render(w http.ResponseWriter, contentType string, render func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		WriteError(w, http.StatusInternalServerError, err)
		return err
	}
	return Write(w, http.StatusOK, contentType, buf.Bytes())
}
