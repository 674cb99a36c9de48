// Package api exposes the workflow over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/log"
	"github.com/punchamoorthee/paynsnap/internal/qr"
	"github.com/punchamoorthee/paynsnap/internal/workflow"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paynsnap_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paynsnap_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	}, []string{"method", "endpoint"})
)

const requestIDHeader = "X-Request-ID"

// statusFor maps workflow errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrUsernameRequired),
		errors.Is(err, workflow.ErrInvalidPreferences),
		errors.Is(err, domain.ErrMalformedPayload),
		errors.Is(err, domain.ErrInvalidPaymentData):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, qr.ErrCameraBusy),
		errors.Is(err, qr.ErrNotCapturing):
		return http.StatusConflict
	case errors.Is(err, qr.ErrFrameDropped):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrWalletUnavailable):
		return http.StatusFailedDependency
	case errors.Is(err, domain.ErrWalletRejected),
		errors.Is(err, domain.ErrBroadcastRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNoReplyTarget),
		errors.Is(err, domain.ErrNetworkFailure):
		return http.StatusBadGateway
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Status string `json:"status,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorBody{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template and logs each request.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(log.ContextWithRequestID(r.Context(), id))

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()

		l := log.FromContext(r.Context(), "api")
		ev := l.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = l.Warn()
		}
		ev.Str("method", r.Method).
			Str("endpoint", endpoint).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request handled")
	})
}
