package rest

import (
	"github.com/gorilla/mux"
	"github.com/inbucket/smtp2tg/pkg/server/web"
)

// SetupRoutes populates the routes for the REST interface
func SetupRoutes(r *mux.Router) {
	// API v1
	r.Path("/v1/status").Handler(
		web.Handler(StatusV1)).Name("StatusV1").Methods("GET")
	r.Path("/v1/monitor/relays").Handler(
		web.Handler(MonitorRelaysV1)).Name("MonitorRelaysV1").Methods("GET")
}
