package system

import (
	"context"
	"net/http"
	"time"

	metrics "github.com/docker/go-metrics"

	"github.com/saa-hil/image-resizer/api/server/httputils"
	"github.com/saa-hil/image-resizer/api/types"
)

func optionsHandler(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

// getHealth reports process liveness. It does not touch the stores;
// backend health is the monitor's job.
func (sr *systemRouter) getHealth(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	w.Header().Set("Cache-Control", types.CacheControlNoStore)
	w.Header().Set("Pragma", "no-cache")

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return nil
	}
	return httputils.WriteJSON(w, http.StatusOK, &types.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

func (sr *systemRouter) getMetrics(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	metrics.Handler().ServeHTTP(w, r)
	return nil
}
