package errdefs

import "net/http"

// StatusClientClosedRequest is the unofficial status code nginx uses
// when a client goes away before the response is written.
const StatusClientClosedRequest = 499

// GetHTTPErrorStatusCode translates a classified error into the HTTP
// status code the API should answer with. Unclassified errors map to
// 500 so that nothing leaks as an accidental success.
func GetHTTPErrorStatusCode(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}

	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidParameter(err):
		return http.StatusBadRequest
	case IsConflict(err):
		return http.StatusConflict
	case IsForbidden(err):
		return http.StatusForbidden
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case IsCancelled(err):
		return StatusClientClosedRequest
	case IsDeadline(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
