package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/registry"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

const gatewayCatalog = `
tools:
  - name: lookup_customer
    idempotent: true
    endpoint: /lookup
    args:
      - name: customer_id
        type: number
        required: true
  - name: send_email
    idempotent: true
    args:
      - name: to
        type: string
        required: true
`

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Parse([]byte(gatewayCatalog))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestInvokeSuccess(t *testing.T) {
	var gotPath string
	var gotBody invokeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"result": {"customer": {"id": 42, "name": "Acme"}}}`))
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "secret", testRegistry(t))
	res, err := g.Invoke(context.Background(), "lookup_customer", map[string]any{"customer_id": 42})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/lookup" {
		t.Errorf("path = %q, want capability endpoint override", gotPath)
	}
	if gotBody.Tool != "lookup_customer" {
		t.Errorf("request tool = %q", gotBody.Tool)
	}
	if _, ok := res.Parsed["customer"]; !ok {
		t.Errorf("Parsed = %v", res.Parsed)
	}
	if res.Latency <= 0 {
		t.Error("latency not recorded")
	}
}

func TestInvokeDefaultEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"result": {}}`))
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "", testRegistry(t))
	if _, err := g.Invoke(context.Background(), "send_email", map[string]any{"to": "a@b.c"}); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/tools/send_email/invoke" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	g := NewHTTP("http://127.0.0.1:0", "", testRegistry(t))
	_, err := g.Invoke(context.Background(), "ghost", nil)
	if xerr.CodeOf(err) != xerr.CodeUnknownTool {
		t.Errorf("expected UNKNOWN_TOOL, got %v", err)
	}
}

func TestInvokeInvalidArgumentsNoDispatch(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "", testRegistry(t))
	_, err := g.Invoke(context.Background(), "lookup_customer", map[string]any{"customer_id": "not a number"})
	if xerr.CodeOf(err) != xerr.CodeInvalidArguments {
		t.Errorf("expected INVALID_ARGUMENTS, got %v", err)
	}
	if called {
		t.Error("invalid arguments must fail before dispatch")
	}
}

func TestInvokeUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tool exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "", testRegistry(t))
	_, err := g.Invoke(context.Background(), "send_email", map[string]any{"to": "a@b.c"})
	if xerr.CodeOf(err) != xerr.CodeUpstreamError {
		t.Errorf("expected UPSTREAM_ERROR, got %v", err)
	}
}

func TestInvokeUpstreamErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"code": "MAILBOX_FULL", "message": "recipient over quota"}}`))
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "", testRegistry(t))
	_, err := g.Invoke(context.Background(), "send_email", map[string]any{"to": "a@b.c"})
	if xerr.CodeOf(err) != xerr.CodeUpstreamError {
		t.Errorf("expected UPSTREAM_ERROR, got %v", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"result": {}}`))
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "", testRegistry(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Invoke(ctx, "send_email", map[string]any{"to": "a@b.c"})
	if xerr.CodeOf(err) != xerr.CodeTimeout {
		t.Errorf("expected TIMEOUT, got %v", err)
	}
}

func TestInvokeMalformedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": ["not", "an", "object"]}`))
	}))
	defer srv.Close()

	g := NewHTTP(srv.URL, "", testRegistry(t))
	_, err := g.Invoke(context.Background(), "send_email", map[string]any{"to": "a@b.c"})
	if xerr.CodeOf(err) != xerr.CodeInvalidOutput {
		t.Errorf("expected INVALID_OUTPUT, got %v", err)
	}
}
