package routers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dag-consensus/handlers"
	"dag-consensus/network"
)

// RegisterRoutes sets up all the HTTP routes of a node. A nil gatherer leaves the
// prometheus endpoint out.
func RegisterRoutes(r *mux.Router, h *handlers.Handler, gatherer prometheus.Gatherer) {

	// Submits a vertex, optionally waiting for its decision with ?wait=<duration>
	r.HandleFunc("/vertices", h.SubmitVertex).Methods(http.MethodPost)

	// Vertices pushed by peers
	r.HandleFunc(network.ReceivePath, h.ReceiveVertex).Methods(http.MethodPost)

	// Consensus status of one vertex
	r.HandleFunc("/vertices/{id:[0-9a-fA-F]+}", h.GetVertex).Methods(http.MethodGet)

	r.HandleFunc("/tips", h.GetTips).Methods(http.MethodGet)

	// Opinion queries issued by peers' voting rounds
	r.HandleFunc(network.OpinionPath, h.Opinion).Methods(http.MethodPost)

	r.HandleFunc("/metrics/consensus", h.GetMetrics).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}
