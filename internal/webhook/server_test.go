package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/agentgate/internal/agent/agenttest"
	"github.com/user/agentgate/internal/gateway"
	"github.com/user/agentgate/internal/state"
	"github.com/user/agentgate/internal/types"
)

type mockFirer struct {
	fired []types.TriggerID
	err   error
}

func (m *mockFirer) FireNow(_ context.Context, id types.TriggerID) (*gateway.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.fired = append(m.fired, id)
	return &gateway.Result{SessionID: "s-1", Status: types.RunCompleted, Content: "fired " + string(id)}, nil
}

func setupServer(t *testing.T, exec *agenttest.Executor, firer Firer) (*Server, *gateway.Gateway) {
	t.Helper()
	dir := t.TempDir()
	gw := gateway.New(gateway.Options{
		Sessions:      state.NewSessionStore(dir, 0),
		Transcripts:   state.NewTranscriptStore(dir),
		Executor:      exec,
		MaxConcurrent: 2,
	})
	if err := gw.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { gw.Close(2 * time.Second) })
	return NewServer(gw, firer), gw
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp["error"]
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, agenttest.NewExecutor(agenttest.Silent()), nil)

	w := do(srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestRunEphemeral(t *testing.T) {
	srv, _ := setupServer(t, agenttest.NewExecutor(agenttest.Reply("th-1", "hello from agent")), nil)

	w := do(srv, http.MethodPost, "/api/runs", `{"messages":[{"role":"user","content":"say hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var res gateway.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != types.RunCompleted || res.Content != "hello from agent" || res.ThreadID != "th-1" {
		t.Errorf("result = %+v", res)
	}
	if res.SessionID == "" || res.RunID == "" {
		t.Errorf("ids missing: %+v", res)
	}
}

func TestRunRejectsBadBody(t *testing.T) {
	srv, _ := setupServer(t, agenttest.NewExecutor(agenttest.Silent()), nil)

	w := do(srv, http.MethodPost, "/api/runs", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}

	w = do(srv, http.MethodPost, "/api/runs", `{"messages":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for empty messages, got %d", w.Code)
	}
}

func TestRunUnknownSession(t *testing.T) {
	srv, _ := setupServer(t, agenttest.NewExecutor(agenttest.Silent()), nil)

	w := do(srv, http.MethodPost, "/api/runs", `{"messages":[{"role":"user","content":"x"}],"session_id":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg == "" {
		t.Error("expected an error message")
	}
}

func TestSessionsListAndGet(t *testing.T) {
	srv, gw := setupServer(t, agenttest.NewExecutor(agenttest.Reply("th-list", "ok")), nil)

	res, err := gw.Submit(context.Background(), gateway.Request{
		Messages: []types.Message{{Role: "user", Content: "first"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	w := do(srv, http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["id"] != string(res.SessionID) || list[0]["run_count"] != float64(1) {
		t.Fatalf("list = %v", list)
	}

	// The thread id resolves to the same session.
	w = do(srv, http.MethodGet, "/api/sessions/th-list", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var sess types.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	if sess.ID != res.SessionID || len(sess.Runs) != 1 {
		t.Errorf("session = %+v", sess)
	}

	w = do(srv, http.MethodGet, "/api/sessions/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestStopSession(t *testing.T) {
	srv, gw := setupServer(t, agenttest.NewExecutor(agenttest.Reply("th-stop", "ok")), nil)

	res, err := gw.Submit(context.Background(), gateway.Request{
		Messages:   []types.Message{{Role: "user", Content: "hi"}},
		Persistent: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := do(srv, http.MethodPost, "/api/sessions/"+string(res.SessionID)+"/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	sess, err := gw.GetSession(context.Background(), string(res.SessionID))
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != types.SessionStopped {
		t.Errorf("status = %s, want stopped", sess.Status)
	}
}

func TestFireTrigger(t *testing.T) {
	firer := &mockFirer{}
	srv, _ := setupServer(t, agenttest.NewExecutor(agenttest.Silent()), firer)

	w := do(srv, http.MethodPost, "/api/triggers/daily-report/fire", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(firer.fired) != 1 || firer.fired[0] != "daily-report" {
		t.Errorf("fired = %v", firer.fired)
	}
}

func TestFireTriggerErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("trigger x: %w", types.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("trigger x: %w", types.ErrBusy), http.StatusConflict},
		{fmt.Errorf("trigger x is disabled: %w", types.ErrConfig), http.StatusBadRequest},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv, _ := setupServer(t, agenttest.NewExecutor(agenttest.Silent()), &mockFirer{err: tc.err})
		w := do(srv, http.MethodPost, "/api/triggers/x/fire", "")
		if w.Code != tc.code {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.code)
		}
		msg := decodeError(t, w)
		if tc.code == http.StatusInternalServerError && msg != "internal server error" {
			t.Errorf("internal errors should not leak, got %q", msg)
		}
	}
}

func TestFireTriggerNotConfigured(t *testing.T) {
	srv, _ := setupServer(t, agenttest.NewExecutor(agenttest.Silent()), nil)

	w := do(srv, http.MethodPost, "/api/triggers/x/fire", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}
