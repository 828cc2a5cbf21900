// Package middleware holds the filters applied around every API
// handler: request logging, CORS and per-client rate limiting.
package middleware

import "github.com/saa-hil/image-resizer/api/server/httputils"

// Middleware is an adapter to allow the use of ordinary functions as API filters.
// Any function that has the appropriate signature can be registered as a middleware.
type Middleware func(handler httputils.APIFunc) httputils.APIFunc
