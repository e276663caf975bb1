package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/store"
)

const testCatalog = `
tools:
  - name: lookup_customer
    idempotent: true
    args:
      - name: customer_id
        type: number
        required: true
    result:
      - name: email
        type: string
`

type fixture struct {
	handler *Handler
	store   store.Store
	queue   *queue.Memory
	broker  *events.Broker
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	st := store.NewMemory()
	q := queue.NewMemory(16)
	broker := events.NewBroker()
	h := NewHandler(st, q, broker, reg, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		q.Close()
		st.Close()
	})
	return &fixture{handler: h, store: st, queue: q, broker: broker, srv: srv}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSubmitJob(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/v1/jobs", map[string]any{
		"automation_type": "invoice_followup",
		"payload":         map[string]any{"customer_id": 42},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	id := body["job_id"]
	if id == "" {
		t.Fatal("response missing job_id")
	}

	j, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("submitted job not in store: %v", err)
	}
	if j.Status != job.StatusPending || j.AutomationType != "invoice_followup" {
		t.Fatalf("stored job = %+v", j)
	}
}

func TestSubmitJobRequiresAutomationType(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/v1/jobs", map[string]any{"payload": map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/jobs/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body := decode[map[string]apiError](t, resp)
	if body["error"].Code != "NOT_FOUND" {
		t.Fatalf("error = %+v", body)
	}
}

func TestGetJobExposesStepsAndContext(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{
		ID:             "j1",
		AutomationType: "invoice_followup",
		Status:         job.StatusPending,
	}
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := f.store.TryAcquire(ctx, "j1", "w1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateStatus(ctx, "j1", "w1", job.StatusRunning); err != nil {
		t.Fatal(err)
	}
	step := job.Step{Index: 0, Kind: job.KindInvokeTool, Tool: "lookup_customer", Outcome: job.OutcomeOK}
	if err := f.store.AppendStep(ctx, "j1", "w1", step, map[string]any{"step_0": map[string]any{"email": "c@x.test"}}); err != nil {
		t.Fatal(err)
	}

	resp := f.get(t, "/v1/jobs/j1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[jobResponse](t, resp)
	if len(body.Steps) != 1 || body.Steps[0].Tool != "lookup_customer" {
		t.Fatalf("steps = %+v", body.Steps)
	}
	if len(body.ContextSummary) != 1 || body.ContextSummary[0] != "step_0" {
		t.Fatalf("context summary = %+v", body.ContextSummary)
	}
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{ID: "j1", AutomationType: "t", Status: job.StatusPending}
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	resp := f.post(t, "/v1/jobs/j1/cancel", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	got, _ := f.store.Get(context.Background(), "j1")
	if !got.CancelRequested {
		t.Fatal("cancel flag not set")
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{ID: "j1", AutomationType: "t", Status: job.StatusPending}
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := f.store.TryAcquire(ctx, "j1", "w1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateStatus(ctx, "j1", "w1", job.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkSucceeded(ctx, "j1", "w1", nil); err != nil {
		t.Fatal(err)
	}

	resp := f.post(t, "/v1/jobs/j1/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetJobEventsAfterSeq(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{ID: "j1", AutomationType: "t", Status: job.StatusPending}
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	f.broker.Publish(events.Event{JobID: "j1", Type: events.TypeStatus, Status: job.StatusRunning})
	f.broker.Publish(events.Event{JobID: "j1", Type: events.TypeStep, Step: &job.Step{Index: 0}})
	f.broker.Publish(events.Event{JobID: "j1", Type: events.TypeStatus, Status: job.StatusSucceeded})

	resp := f.get(t, "/v1/jobs/j1/events?after_seq=0")
	body := decode[map[string][]events.Event](t, resp)
	got := body["events"]
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2 after seq 0", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("sequence numbers = %+v", got)
	}
}

func TestStreamJobReplaysBacklogAndCloses(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{ID: "j1", AutomationType: "t", Status: job.StatusPending}
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	f.broker.Publish(events.Event{JobID: "j1", Type: events.TypeStatus, Status: job.StatusRunning})
	f.broker.Publish(events.Event{JobID: "j1", Type: events.TypeStep, Step: &job.Step{Index: 0, Outcome: job.OutcomeOK}})
	f.broker.Publish(events.Event{JobID: "j1", Type: events.TypeStatus, Status: job.StatusSucceeded})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+f.srv.URL[len("http"):]+"/v1/jobs/j1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var got []events.Event
	for {
		var e events.Event
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			break
		}
		got = append(got, e)
		if e.Terminal() {
			break
		}
	}
	if len(got) != 3 {
		t.Fatalf("streamed %d events, want 3", len(got))
	}
	if !got[2].Terminal() {
		t.Fatalf("stream did not end with terminal event: %+v", got)
	}
}

func TestStreamTerminalJobWithoutEventLog(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{ID: "j1", AutomationType: "t", Status: job.StatusPending}
	ctx := context.Background()
	if err := f.store.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.TryAcquire(ctx, "j1", "w1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateStatus(ctx, "j1", "w1", job.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkSucceeded(ctx, "j1", "w1", nil); err != nil {
		t.Fatal(err)
	}
	// No broker history, as after a process restart or pruning.

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, "ws"+f.srv.URL[len("http"):]+"/v1/jobs/j1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var e events.Event
	if err := wsjson.Read(dialCtx, conn, &e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !e.Terminal() || e.Status != job.StatusSucceeded {
		t.Fatalf("synthesized event = %+v, want terminal succeeded", e)
	}
	if err := wsjson.Read(dialCtx, conn, &e); err == nil {
		t.Fatalf("stream did not close after the terminal event: %+v", e)
	}
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/tools")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string][]registry.Capability](t, resp)
	if len(body["tools"]) != 1 || body["tools"][0].Name != "lookup_customer" {
		t.Fatalf("tools = %+v", body)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
