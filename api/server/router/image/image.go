package image

import "github.com/saa-hil/image-resizer/api/server/router"

// imageRouter is a router to route image variant requests to the daemon.
type imageRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new image router.
func NewRouter(b Backend) router.Router {
	ir := &imageRouter{
		backend: b,
	}
	ir.initRoutes()
	return ir
}

// Routes returns the available routes for the image router.
func (ir *imageRouter) Routes() []router.Route {
	return ir.routes
}

// initRoutes initializes the routes in the image router. The image id is a
// single path segment; renditions live under the object store's public URL
// and are never served from here.
func (ir *imageRouter) initRoutes() {
	ir.routes = []router.Route{
		// GET
		router.NewGetRoute("/{imageId}", ir.getImage),
		// DELETE
		router.NewDeleteRoute("/{imageId}", ir.deleteImage),
	}
}
