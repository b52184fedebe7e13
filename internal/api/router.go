package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the consumer-facing endpoints
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/latest", h.getLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/records", h.listRecords).Methods(http.MethodGet)
	r.HandleFunc("/api/status", h.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/schedules", h.listSchedules).Methods(http.MethodGet)
	r.HandleFunc("/api/schedules", h.postSchedules).Methods(http.MethodPost)
	r.HandleFunc("/api/schedules", h.clearSchedules).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
