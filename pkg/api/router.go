// Package api implements the HTTP/JSON façade over the Lifecycle
// Coordinator, Port Registry and CachedFile cache, using gorilla/mux for
// routing in preference to net/http's bare ServeMux, which this module's
// route table (path params, per-route method dispatch) outgrows.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/srivishnuk/pt-instances-management/pkg/admission"
	"github.com/srivishnuk/pt-instances-management/pkg/cache"
	"github.com/srivishnuk/pt-instances-management/pkg/coordinator"
	"github.com/srivishnuk/pt-instances-management/pkg/metrics"
	"github.com/srivishnuk/pt-instances-management/pkg/portregistry"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
)

// Server is the HTTP/JSON façade.
type Server struct {
	store       storage.Store
	ports       *portregistry.Registry
	coordinator *coordinator.Coordinator
	cache       *cache.Cache
	thresholds  admission.Thresholds
	portRange   [2]int
	advertiseHost string
	router      *mux.Router
}

// NewServer wires the façade's route table. advertiseHost is the address
// clients should dial for packetTracer/vnc URLs (typically the node's
// externally reachable hostname or IP).
func NewServer(store storage.Store, ports *portregistry.Registry, co *coordinator.Coordinator, c *cache.Cache, thresholds admission.Thresholds, lowestPort, highestPort int, advertiseHost string) *Server {
	s := &Server{
		store:         store,
		ports:         ports,
		coordinator:   co,
		cache:         c,
		thresholds:    thresholds,
		portRange:     [2]int{lowestPort, highestPort},
		advertiseHost: advertiseHost,
	}

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.Use(s.linkHeader)

	r.HandleFunc("/details", s.handleDetails).Methods(http.MethodGet)

	r.HandleFunc("/allocations", s.handleListAllocations).Methods(http.MethodGet)
	r.HandleFunc("/allocations", s.handleCreateAllocation).Methods(http.MethodPost)
	r.HandleFunc("/allocations/{id}", s.handleGetAllocation).Methods(http.MethodGet)
	r.HandleFunc("/allocations/{id}", s.handleDeleteAllocation).Methods(http.MethodDelete)

	r.HandleFunc("/instances", s.handleListInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances", s.handleCreateInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}", s.handleGetInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", s.handleDeleteInstance).Methods(http.MethodDelete)

	r.HandleFunc("/ports", s.handleListPorts).Methods(http.MethodGet)

	r.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/files", s.handleCacheFile).Methods(http.MethodPost)
	r.HandleFunc("/files", s.handleClearFiles).Methods(http.MethodDelete)
	r.HandleFunc("/files/{url}", s.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{url}", s.handleDeleteFile).Methods(http.MethodDelete)

	r.Handle("/metrics", metrics.Handler())
	r.Handle("/healthz", metrics.HealthHandler())
	r.Handle("/readyz", metrics.ReadyHandler())
	r.Handle("/livez", metrics.LivenessHandler())

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// instrument records request counts and latency per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if tmpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			route = tmpl
		}
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// linkSiblings lists every collection resource the façade exposes, in the
// order their Link headers are emitted.
var linkSiblings = [...]struct {
	path  string
	rel   string
	title string
}{
	{"/details", "details", "Details of API"},
	{"/instances", "instances", "Packet Tracer instances' management"},
	{"/allocations", "allocations", "Allocations of Packet Tracer instances"},
	{"/ports", "ports", "Ports that can be allocated"},
	{"/files", "files", "Cache for Packet Tracer files"},
}

// linkHeader adds a Link header for every sibling resource except the one
// the current request is already on, following original_source/views.py's
// add_header after_request hook (which skips only the requester's own
// resource, not the whole header, per path).
func (s *Server) linkHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		root := "http://" + r.Host + "/"
		for _, sib := range linkSiblings {
			if r.URL.Path == sib.path {
				continue
			}
			w.Header().Add("Link", `<`+root+sib.rel+`>; rel="`+sib.rel+`"; title="`+sib.title+`"`)
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the façade on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}
