// Package api is the HTTP surface: job submission, inspection,
// cancellation, progress streaming, and operational endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/version"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

type Handler struct {
	store    store.Store
	producer queue.Producer
	broker   *events.Broker
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewHandler(
	st store.Store,
	producer queue.Producer,
	broker *events.Broker,
	reg *registry.Registry,
	m *metrics.Metrics,
	log *slog.Logger,
) *Handler {
	return &Handler{
		store:    st,
		producer: producer,
		broker:   broker,
		registry: reg,
		metrics:  m,
		log:      log,
	}
}

// Router wires every route. The /v1 prefix scopes the job API so
// operational endpoints stay unversioned.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/events", h.GetJobEvents).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/stream", h.StreamJob).Methods(http.MethodGet)
	api.HandleFunc("/tools", h.ListTools).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerr.CodeOf(err)
	writeJSON(w, httpStatus(code), map[string]apiError{
		"error": {Code: string(code), Message: err.Error()},
	})
}

func httpStatus(code xerr.Code) int {
	switch code {
	case xerr.CodeNotFound:
		return http.StatusNotFound
	case xerr.CodeInvalidArguments, xerr.CodeUnknownTool:
		return http.StatusBadRequest
	case xerr.CodeConflict, xerr.CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
