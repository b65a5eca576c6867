package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the admin HTTP surface.
//
// Route layout:
//
//	GET    /healthz                – liveness probe (no authentication)
//	GET    /v1/programs            – list admitted programs
//	POST   /v1/programs            – load a program (JWT required)
//	DELETE /v1/programs/{id}       – unload a program (JWT required)
//	GET    /v1/maps                – list live maps
//	GET    /v1/maps/{id}/stats     – one map's shape
//	POST   /v1/attach              – bind a program to an attach target (JWT required)
//	DELETE /v1/attach/{id}         – remove an attach binding (JWT required)
//	GET    /v1/ringbuf/{id}/poll   – poll a ring buffer map
//
// jwtSecret gates every mutating route behind an HS256 Bearer token; pass
// nil to disable JWT validation (useful in tests that only cover request
// parsing and response formatting).
func NewRouter(srv *Server, jwtSecret []byte, operatorAllowlist []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	var authed func(http.Handler) http.Handler
	if jwtSecret != nil {
		authed = JWTMiddleware(jwtSecret, operatorAllowlist)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/programs", srv.handleListPrograms)
		r.Get("/maps", srv.handleListMaps)
		r.Get("/maps/{id}/stats", srv.handleMapStats)
		r.Get("/ringbuf/{id}/poll", srv.handleRingbufPoll)

		mutating := r
		if authed != nil {
			mutating = r.With(authed)
		}
		mutating.Post("/programs", srv.handleLoadProgram)
		mutating.Delete("/programs/{id}", srv.handleUnloadProgram)
		mutating.Post("/attach", srv.handleAttach)
		mutating.Delete("/attach/{id}", srv.handleDetach)
	})

	return r
}
