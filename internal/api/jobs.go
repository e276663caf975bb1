package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

type submitRequest struct {
	AutomationType string         `json:"automation_type"`
	Payload        map[string]any `json:"payload"`
}

type submitResponse struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
}

// SubmitJob handles POST /v1/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerr.New(xerr.CodeInvalidArguments, "invalid request body"))
		return
	}
	if req.AutomationType == "" {
		writeError(w, xerr.New(xerr.CodeInvalidArguments, "automation_type is required"))
		return
	}

	j := &job.Job{
		ID:             uuid.NewString(),
		AutomationType: req.AutomationType,
		Payload:        req.Payload,
		Status:         job.StatusPending,
		Context:        map[string]any{},
	}
	if err := h.store.Create(r.Context(), j); err != nil {
		writeError(w, err)
		return
	}
	if err := h.producer.Publish(r.Context(), j.ID); err != nil {
		// The job exists; the lease reaper will requeue it. Surface the
		// degraded path in logs rather than failing the submission.
		h.log.Error("enqueue failed, job awaits requeue", "job_id", j.ID, "error", err)
	}
	h.metrics.JobsSubmitted.Inc()
	h.log.Info("job submitted", "job_id", j.ID, "automation_type", j.AutomationType)

	writeJSON(w, http.StatusCreated, submitResponse{JobID: j.ID, Status: j.Status})
}

type jobResponse struct {
	ID              string         `json:"id"`
	AutomationType  string         `json:"automation_type"`
	Status          job.Status     `json:"status"`
	Steps           []job.Step     `json:"steps"`
	ContextSummary  []string       `json:"context_summary"`
	Result          map[string]any `json:"result,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LastErrorCode   string         `json:"last_error_code,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

func toJobResponse(j *job.Job) jobResponse {
	keys := make([]string, 0, len(j.Context))
	for k := range j.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	steps := j.Steps
	if steps == nil {
		steps = []job.Step{}
	}
	return jobResponse{
		ID:              j.ID,
		AutomationType:  j.AutomationType,
		Status:          j.Status,
		Steps:           steps,
		ContextSummary:  keys,
		Result:          j.Result,
		LastError:       j.LastError,
		LastErrorCode:   j.LastErrorCode,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// GetJob handles GET /v1/jobs/{id}. Partial progress stays visible on
// failed jobs: the full step history is always returned.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(j))
}

// ListJobs handles GET /v1/jobs?status=running&limit=50.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := job.Status(r.URL.Query().Get("status"))
	if !status.IsValid() {
		writeError(w, xerr.Newf(xerr.CodeInvalidArguments, "unknown status %q", status))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, xerr.New(xerr.CodeInvalidArguments, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	jobs, err := h.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// CancelJob handles POST /v1/jobs/{id}/cancel. Cancellation is
// cooperative: the flag is set here and honored by the owning worker
// at its next step boundary.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.RequestCancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("cancellation requested", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "cancel": "requested"})
}

// GetJobEvents handles GET /v1/jobs/{id}/events?after_seq=N. It
// returns the buffered event backlog for polling clients; streaming
// clients use the websocket endpoint instead.
func (h *Handler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	after := -1
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, xerr.New(xerr.CodeInvalidArguments, "after_seq must be an integer"))
			return
		}
		after = n
	}

	all := h.broker.Snapshot(id)
	out := make([]events.Event, 0, len(all))
	for _, e := range all {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ListTools handles GET /v1/tools, exposing the capability catalog.
func (h *Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.registry.List()})
}
