package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/containerd/log"

	"github.com/saa-hil/image-resizer/api/server/httputils"
)

// RequestLogger logs every request at debug level with its outcome.
func RequestLogger(handler httputils.APIFunc) httputils.APIFunc {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		log.G(ctx).Debugf("Calling %s %s", r.Method, r.RequestURI)

		start := time.Now()
		err := handler(ctx, w, r, vars)

		fields := log.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"client":   clientAddr(r),
			"duration": time.Since(start).Round(time.Microsecond),
		}
		if err != nil {
			log.G(ctx).WithFields(fields).WithError(err).Debug("request failed")
		} else {
			log.G(ctx).WithFields(fields).Debug("request done")
		}
		return err
	}
}
