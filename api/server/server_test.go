package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/saa-hil/image-resizer/api/server/middleware"
	"github.com/saa-hil/image-resizer/api/server/router/image"
	"github.com/saa-hil/image-resizer/api/server/router/system"
	"github.com/saa-hil/image-resizer/api/types"
	"github.com/saa-hil/image-resizer/daemon"
	"github.com/saa-hil/image-resizer/daemon/config"
	"github.com/saa-hil/image-resizer/daemon/internal/testutil"
	"github.com/saa-hil/image-resizer/daemon/variant"
	"github.com/saa-hil/image-resizer/pkg/jobqueue"
	"github.com/saa-hil/image-resizer/pkg/stringid"
)

type testEnv struct {
	store   *testutil.FakeVariantStore
	objects *testutil.FakeObjectStore
	queue   *jobqueue.Queue
	mux     http.Handler
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := jobqueue.New(client, "image-resize-test", jobqueue.Options{})
	t.Cleanup(q.Close)

	store := testutil.NewFakeVariantStore()
	objects := testutil.NewFakeObjectStore("images")

	cfg := config.New()
	cfg.S3Bucket = "images"
	cfg.S3PublicURL = "https://img.example.com"
	if mutate != nil {
		mutate(cfg)
	}

	d, err := daemon.NewDaemon(cfg, store, objects, q)
	assert.NilError(t, err)

	srv := New(":0")
	srv.UseMiddleware(middleware.RateLimit(cfg.RateLimitMax, cfg.RateLimitPeriod()))
	srv.UseMiddleware(middleware.CORS(cfg.AllowedOrigins))
	srv.UseMiddleware(middleware.RequestLogger)
	srv.ForbidPathPrefix(cfg.ResizedImagePath)
	srv.InitRouter(system.NewRouter(), image.NewRouter(d))

	return &testEnv{store: store, objects: objects, queue: q, mux: srv.CreateMux()}
}

func (e *testEnv) request(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func seedRecord(t *testing.T, store *testutil.FakeVariantStore, key variant.Key, status variant.Status) *variant.Record {
	t.Helper()
	rec := &variant.Record{
		ID:          stringid.GenerateID(),
		ImageID:     key.ImageID,
		Width:       key.Width,
		Height:      key.Height,
		Format:      key.Format,
		OriginalKey: key.OriginalKey(),
		VariantKey:  key.VariantKey(),
		Bucket:      "images",
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	assert.NilError(t, store.Create(context.Background(), rec))
	return rec
}

func TestGetImageReadyVariant(t *testing.T) {
	e := newTestServer(t, nil)
	key := variant.Key{ImageID: "pic.png", Width: 200, Height: 100, Format: variant.FormatWebP}
	seedRecord(t, e.store, key, variant.StatusReady)

	w := e.request(t, http.MethodGet, "/pic.png?w=200&h=100&format=webp")
	assert.Check(t, is.Equal(w.Code, http.StatusFound))
	assert.Check(t, is.Equal(w.Header().Get("Location"), "https://img.example.com/pic___200x100.webp"))
	assert.Check(t, is.Equal(w.Header().Get(types.HeaderImageStatus), types.ImageStatusReady))
	assert.Check(t, is.Equal(w.Header().Get("Cache-Control"), types.CacheControlImmutable))
}

func TestGetImageMissAdmitsAndServesOriginal(t *testing.T) {
	ctx := context.Background()
	e := newTestServer(t, nil)
	e.objects.SetObject("pic.png", []byte("original bytes"), "image/png")

	w := e.request(t, http.MethodGet, "/pic.png?w=200&h=100")
	assert.Check(t, is.Equal(w.Code, http.StatusFound))
	assert.Check(t, is.Equal(w.Header().Get("Location"), "https://img.example.com/pic.png"))
	assert.Check(t, is.Equal(w.Header().Get(types.HeaderImageStatus), types.ImageStatusProcessing))
	assert.Check(t, is.Equal(w.Header().Get("Cache-Control"), types.CacheControlNoStore))

	// one record and one queued job behind the redirect
	assert.Check(t, is.Equal(e.store.Len(), 1))
	counts, err := e.queue.Counts(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(counts.Wait, int64(1)))
}

func TestGetImageWithoutDimensions(t *testing.T) {
	e := newTestServer(t, nil)
	e.objects.SetObject("pic.png", []byte("original bytes"), "image/png")

	w := e.request(t, http.MethodGet, "/pic.png")
	assert.Check(t, is.Equal(w.Code, http.StatusFound))
	assert.Check(t, is.Equal(w.Header().Get("Location"), "https://img.example.com/pic.png"))
	assert.Check(t, is.Equal(e.store.Len(), 0))
}

func TestGetImageMissingOriginal(t *testing.T) {
	e := newTestServer(t, nil)

	w := e.request(t, http.MethodGet, "/ghost.png?w=100&h=100")
	assert.Check(t, is.Equal(w.Code, http.StatusNotFound))
	assert.Check(t, is.Equal(strings.TrimSpace(w.Body.String()), `{"error":"Image not found"}`))
}

func TestGetImageValidation(t *testing.T) {
	e := newTestServer(t, nil)
	e.objects.SetObject("pic.png", []byte("original bytes"), "image/png")

	for _, target := range []string{
		"/plainid?w=100&h=100",                     // no extension
		"/pic.png?w=abc&h=100",                     // non-numeric width
		"/pic.png?w=100",                           // height missing
		"/pic.png?w=0&h=100",                       // below minimum
		"/pic.png?w=100&h=5001",                    // above maximum
		"/pic.png?w=100&h=100&format=gif",          // unsupported format
		"/pic.png?w=100&h=100&force_resize=True",   // not exactly true/false
		"/pic.png?w=100&h=100&force_resize=1",      // not exactly true/false
	} {
		w := e.request(t, http.MethodGet, target)
		assert.Check(t, is.Equal(w.Code, http.StatusBadRequest), "GET %s", target)

		var body types.ErrorResponse
		assert.NilError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Check(t, body.Error != "", "GET %s", target)
	}

	// nothing was admitted for rejected requests
	assert.Check(t, is.Equal(e.store.Len(), 0))
}

func TestDeleteImage(t *testing.T) {
	e := newTestServer(t, nil)
	key := variant.Key{ImageID: "pic.png", Width: 90, Height: 90, Format: variant.FormatPNG}
	seedRecord(t, e.store, key, variant.StatusReady)
	e.objects.SetObject("pic.png", []byte("original"), "image/png")
	e.objects.SetObject(key.VariantKey(), []byte("rendition"), "image/png")

	w := e.request(t, http.MethodDelete, "/pic.png")
	assert.Check(t, is.Equal(w.Code, http.StatusOK))
	assert.Check(t, is.Equal(strings.TrimSpace(w.Body.String()), `{"message":"Image deleted successfully"}`))

	// rendition gone, original untouched
	assert.Check(t, is.DeepEqual(e.objects.Keys(), []string{"pic.png"}))
	assert.Check(t, is.Equal(e.store.Len(), 0))
}

func TestDeleteImageUnknown(t *testing.T) {
	e := newTestServer(t, nil)

	w := e.request(t, http.MethodDelete, "/ghost.png")
	assert.Check(t, is.Equal(w.Code, http.StatusNotFound))
	assert.Check(t, is.Equal(strings.TrimSpace(w.Body.String()), `{"error":"Image not found"}`))
}

// explodingBackend fails the test if any request reaches the image
// handlers.
type explodingBackend struct {
	t *testing.T
}

func (b explodingBackend) ResolveVariant(context.Context, daemon.ResolveRequest) (*daemon.Resolution, error) {
	b.t.Fatal("resolve reached through a forbidden path")
	return nil, nil
}

func (b explodingBackend) DeleteImage(context.Context, variant.Filter) (int64, error) {
	b.t.Fatal("delete reached through a forbidden path")
	return 0, nil
}

func (b explodingBackend) PublicURL(key string) string {
	b.t.Fatal("public URL reached through a forbidden path")
	return ""
}

func TestForbiddenPrefixGuard(t *testing.T) {
	srv := New(":0")
	srv.ForbidPathPrefix("/cache")
	srv.InitRouter(image.NewRouter(explodingBackend{t}))
	m := srv.CreateMux()

	for _, target := range []string{
		"/cache/pic.png?w=10&h=10",
		"/cache/deep/pic.png",
		"/cache",
	} {
		w := httptest.NewRecorder()
		m.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Check(t, is.Equal(w.Code, http.StatusForbidden), "GET %s", target)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestServer(t, nil)

	w := e.request(t, http.MethodGet, "/health")
	assert.Check(t, is.Equal(w.Code, http.StatusOK))
	assert.Check(t, is.Equal(w.Header().Get("Cache-Control"), types.CacheControlNoStore))

	var body types.HealthResponse
	assert.NilError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Check(t, is.Equal(body.Status, "ok"))
	assert.Check(t, time.Since(body.Timestamp) < time.Minute)

	head := e.request(t, http.MethodHead, "/health")
	assert.Check(t, is.Equal(head.Code, http.StatusOK))
	assert.Check(t, is.Equal(head.Body.Len(), 0))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestServer(t, nil)

	w := e.request(t, http.MethodGet, "/metrics")
	assert.Check(t, is.Equal(w.Code, http.StatusOK))
	assert.Check(t, is.Contains(w.Body.String(), "resizer_daemon"))
}

func TestUnmatchedPath(t *testing.T) {
	e := newTestServer(t, nil)

	w := e.request(t, http.MethodPost, "/pic.png")
	assert.Check(t, is.Equal(w.Code, http.StatusNotFound))
	assert.Check(t, is.Equal(strings.TrimSpace(w.Body.String()), `{"error":"page not found"}`))
}

func TestRateLimit(t *testing.T) {
	e := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitMax = 2
	})

	for i := 0; i < 2; i++ {
		w := e.request(t, http.MethodGet, "/health")
		assert.Check(t, is.Equal(w.Code, http.StatusOK))
	}
	w := e.request(t, http.MethodGet, "/health")
	assert.Check(t, is.Equal(w.Code, http.StatusTooManyRequests))
	assert.Check(t, is.Equal(w.Header().Get("Retry-After"), "60"))
	assert.Check(t, is.Contains(w.Body.String(), "Too many requests"))

	// another client keeps its own budget
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	fresh := httptest.NewRecorder()
	e.mux.ServeHTTP(fresh, r)
	assert.Check(t, is.Equal(fresh.Code, http.StatusOK))
}

func TestCORSHeaders(t *testing.T) {
	e := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	assert.Check(t, is.Equal(w.Header().Get("Access-Control-Allow-Origin"), "https://app.example.com"))
	assert.Check(t, is.Equal(w.Header().Get("Vary"), "Origin"))

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	assert.Check(t, is.Equal(w.Header().Get("Access-Control-Allow-Origin"), ""))

	open := newTestServer(t, nil)
	w = open.request(t, http.MethodGet, "/health")
	assert.Check(t, is.Equal(w.Header().Get("Access-Control-Allow-Origin"), "*"))
}

func TestCORSPreflight(t *testing.T) {
	e := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	r := httptest.NewRequest(http.MethodOptions, "/pic.png", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	assert.Check(t, is.Equal(w.Code, http.StatusOK))
	assert.Check(t, is.Contains(w.Header().Get("Access-Control-Allow-Methods"), "GET"))
}
