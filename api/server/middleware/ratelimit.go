package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saa-hil/image-resizer/api/server/httputils"
	"github.com/saa-hil/image-resizer/api/types"
)

// rateLimiter tracks a token bucket per client address. Buckets refill
// at max requests per window and idle clients are swept out so the map
// stays bounded.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	window  time.Duration
	swept   time.Time
}

type client struct {
	*rate.Limiter
	lastSeen time.Time
}

func (rl *rateLimiter) allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.swept) > 3*rl.window {
		for addr, c := range rl.clients {
			if now.Sub(c.lastSeen) > 3*rl.window {
				delete(rl.clients, addr)
			}
		}
		rl.swept = now
	}

	c, ok := rl.clients[addr]
	if !ok {
		c = &client{Limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[addr] = c
	}
	c.lastSeen = now
	return c.Allow()
}

// clientAddr extracts the address rate limits are keyed by. Proxy
// headers win over the socket peer so limits follow the real client.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects clients that exceed max requests per window with a
// 429. A max of zero disables limiting.
func RateLimit(max int, window time.Duration) Middleware {
	rl := &rateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(max) / window.Seconds()),
		burst:   max,
		window:  window,
		swept:   time.Now(),
	}

	return func(handler httputils.APIFunc) httputils.APIFunc {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
			if max <= 0 {
				return handler(ctx, w, r, vars)
			}
			if !rl.allow(clientAddr(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				return httputils.WriteJSON(w, http.StatusTooManyRequests, &types.ErrorResponse{
					Error: "Too many requests, please try again later.",
				})
			}
			return handler(ctx, w, r, vars)
		}
	}
}
