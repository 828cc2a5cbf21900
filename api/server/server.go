// Package server hangs the routers off a mux, applies the middleware
// chain and owns the HTTP listener lifecycle.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/saa-hil/image-resizer/api/server/httputils"
	"github.com/saa-hil/image-resizer/api/server/middleware"
	"github.com/saa-hil/image-resizer/api/server/router"
	"github.com/saa-hil/image-resizer/errdefs"
)

// Server contains instance details for the server.
type Server struct {
	middlewares []middleware.Middleware
	routers     []router.Router
	// forbiddenPrefix is the request-path prefix reserved for rendered
	// images. Requests under it are refused before any routing.
	forbiddenPrefix string

	httpSrv *http.Server
}

// New returns a new instance of the server that will listen on addr
// once Serve is called.
func New(addr string) *Server {
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// UseMiddleware appends a new middleware to the request chain.
// This needs to be called before the API routes are configured.
func (s *Server) UseMiddleware(m middleware.Middleware) {
	s.middlewares = append(s.middlewares, m)
}

// InitRouter initializes the list of routers for the server.
func (s *Server) InitRouter(routers ...router.Router) {
	s.routers = append(s.routers, routers...)
}

// ForbidPathPrefix refuses every request whose path begins with prefix
// with a 403. An empty prefix disables the guard.
func (s *Server) ForbidPathPrefix(prefix string) {
	s.forbiddenPrefix = prefix
}

func (s *Server) makeHTTPHandler(handler httputils.APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		handlerFunc := s.handlerWithGlobalMiddlewares(handler)

		vars := mux.Vars(r)
		if vars == nil {
			vars = make(map[string]string)
		}

		if err := handlerFunc(ctx, w, r, vars); err != nil {
			if errdefs.GetHTTPErrorStatusCode(err) >= http.StatusInternalServerError {
				log.G(ctx).WithError(err).Errorf("Handler for %s %s returned error", r.Method, r.URL.Path)
			}
			httputils.WriteError(w, err)
		}
	}
}

// handlerWithGlobalMiddlewares wraps the handler function for a request with
// the server's global middlewares. The order of the middlewares is backwards,
// meaning that the first in the list would be the last to be applied.
func (s *Server) handlerWithGlobalMiddlewares(handler httputils.APIFunc) httputils.APIFunc {
	next := handler
	for _, m := range s.middlewares {
		next = m(next)
	}
	return next
}

type pageNotFoundError struct{}

func (pageNotFoundError) Error() string {
	return "page not found"
}

func (pageNotFoundError) NotFound() {}

// CreateMux returns a new mux with all the routers registered.
func (s *Server) CreateMux() *mux.Router {
	m := mux.NewRouter()

	if s.forbiddenPrefix != "" {
		forbidden := httputils.MakeErrorHandler(errdefs.Forbidden(errors.Errorf("paths under %s are reserved", s.forbiddenPrefix)))
		m.PathPrefix(s.forbiddenPrefix).Handler(forbidden)
	}

	log.G(context.TODO()).Debug("Registering routers")
	for _, apiRouter := range s.routers {
		for _, r := range apiRouter.Routes() {
			f := s.makeHTTPHandler(r.Handler())
			log.G(context.TODO()).Debugf("Registering %s, %s", r.Method(), r.Path())
			m.Path(r.Path()).Methods(r.Method()).Handler(f)
		}
	}

	notFoundHandler := httputils.MakeErrorHandler(pageNotFoundError{})
	m.NotFoundHandler = notFoundHandler
	m.MethodNotAllowedHandler = notFoundHandler

	return m
}

// Serve assembles the mux and accepts connections until Shutdown. It
// always returns a non-nil error unless the server was shut down.
func (s *Server) Serve() error {
	s.httpSrv.Handler = s.CreateMux()
	log.G(context.TODO()).Infof("API listen on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
