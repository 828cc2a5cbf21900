// Package types holds the wire types and header values of the resizer API.
package types

import "time"

// HeaderImageStatus reports on every resolve response whether the redirect
// target is the finished variant or the original standing in for it.
const HeaderImageStatus = "X-Image-Status"

// Values of the HeaderImageStatus header.
const (
	ImageStatusReady      = "ready"
	ImageStatusProcessing = "processing"
)

// Cache-Control values paired with the image status. A rendered variant
// never changes, so it may be cached forever; a stand-in original must not
// be cached at all or clients would never see the variant.
const (
	CacheControlImmutable = "public, max-age=31536000, immutable"
	CacheControlNoStore   = "no-cache, no-store, must-revalidate"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// DeleteResponse is the body of a successful DELETE /{imageId}.
type DeleteResponse struct {
	Message string `json:"message"`
}
