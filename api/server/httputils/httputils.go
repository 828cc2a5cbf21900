// Package httputils carries the plumbing shared by every API handler:
// the handler signature, form parsing and the JSON response writers.
package httputils

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/saa-hil/image-resizer/api/types"
	"github.com/saa-hil/image-resizer/errdefs"
)

// APIFunc is an adapter to allow the use of ordinary functions as API
// endpoints. Any function with this signature can be registered as a
// route and wrapped by middleware.
type APIFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

// ParseForm ensures the request form is parsed even with invalid content types.
func ParseForm(r *http.Request) error {
	if r == nil {
		return nil
	}
	if err := r.ParseForm(); err != nil && !strings.HasPrefix(err.Error(), "mime:") {
		return errdefs.InvalidParameter(err)
	}
	return nil
}

// WriteJSON writes the value v to the http response stream as json with standard json encoding.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// WriteError maps err onto an HTTP status code and writes it as the
// API's JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	_ = WriteJSON(w, errdefs.GetHTTPErrorStatusCode(err), &types.ErrorResponse{Error: err.Error()})
}

// MakeErrorHandler returns a handler that answers every request with
// err. The mux installs it for unmatched paths and methods.
func MakeErrorHandler(err error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, err)
	}
}
