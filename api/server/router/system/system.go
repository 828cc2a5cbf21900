package system

import "github.com/saa-hil/image-resizer/api/server/router"

// systemRouter provides information about the server, like its health
// and runtime metrics.
type systemRouter struct {
	routes []router.Route
}

// NewRouter initializes a new system router.
func NewRouter() router.Router {
	sr := &systemRouter{}
	sr.routes = []router.Route{
		// OPTIONS
		router.NewOptionsRoute("/{anyroute:.*}", optionsHandler),
		// GET
		router.NewGetRoute("/health", sr.getHealth),
		router.NewGetRoute("/metrics", sr.getMetrics),
		// HEAD
		router.NewHeadRoute("/health", sr.getHealth),
	}
	return sr
}

// Routes returns all the API routes dedicated to the server system.
func (sr *systemRouter) Routes() []router.Route {
	return sr.routes
}
