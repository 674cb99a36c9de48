package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the handler onto /api/v1 plus the health and metrics endpoints.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", h.StatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/login", h.LoginHandler).Methods(http.MethodPost)
	v1.HandleFunc("/logout", h.LogoutHandler).Methods(http.MethodPost)
	v1.HandleFunc("/scan", h.StartScanHandler).Methods(http.MethodPost)
	v1.HandleFunc("/scan/stop", h.StopScanHandler).Methods(http.MethodPost)
	v1.HandleFunc("/scan/frame", h.FrameHandler).Methods(http.MethodPost)
	v1.HandleFunc("/scan/payload", h.PayloadHandler).Methods(http.MethodPost)
	v1.HandleFunc("/confirm", h.ConfirmHandler).Methods(http.MethodPost)
	v1.HandleFunc("/snap", h.SnapHandler).Methods(http.MethodPost)
	v1.HandleFunc("/reset", h.ResetHandler).Methods(http.MethodPost)
	v1.HandleFunc("/preferences", h.GetPreferencesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/preferences", h.PutPreferencesHandler).Methods(http.MethodPut)
	return r
}
