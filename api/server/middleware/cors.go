package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/containerd/log"

	"github.com/saa-hil/image-resizer/api/server/httputils"
)

const (
	corsAllowedHeaders = "Origin, X-Requested-With, Content-Type, Accept"
	corsAllowedMethods = "HEAD, GET, DELETE, OPTIONS"
)

// CORS answers cross-origin requests for the configured origins. With no
// origins configured every origin is allowed.
func CORS(origins []string) Middleware {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}

	return func(handler httputils.APIFunc) httputils.APIFunc {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
			if len(allowed) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowed[strings.TrimRight(origin, "/")]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				} else {
					log.G(ctx).WithField("origin", origin).Debug("origin not in allow list")
				}
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			return handler(ctx, w, r, vars)
		}
	}
}
