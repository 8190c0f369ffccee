package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/orchestrator"
	"github.com/hochfrequenz/runforge/internal/slots"
	"github.com/hochfrequenz/runforge/internal/statestore"
	"github.com/rs/zerolog"
)

type mockStore struct {
	runs    []*domain.WorkflowRun
	letters []*domain.DeadLetterEntry
}

func (m *mockStore) ListRuns(status domain.RunStatus) ([]*domain.WorkflowRun, error) {
	if status == "" {
		return m.runs, nil
	}
	var out []*domain.WorkflowRun
	for _, r := range m.runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) Load(runID string) (*domain.WorkflowRun, error) {
	for _, r := range m.runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return nil, statestore.ErrNotFound
}

func (m *mockStore) ListPhaseRecords(runID string) ([]*domain.PhaseRecord, error) {
	return nil, nil
}

func (m *mockStore) ListDeadLetters() ([]*domain.DeadLetterEntry, error) {
	return m.letters, nil
}

type mockControl struct {
	triggered []string
	cancelled []string
	replayed  []string
}

func (m *mockControl) Trigger(pipeline, itemRef string, tier domain.ModelTier) (string, error) {
	if pipeline != "full" && pipeline != "plan-only" && pipeline != "autonomous" {
		return "", orchestrator.ErrUnknownPipeline
	}
	m.triggered = append(m.triggered, pipeline+":"+itemRef)
	return "new-run", nil
}

func (m *mockControl) Cancel(runID string) error {
	if runID == "missing" {
		return statestore.ErrNotFound
	}
	m.cancelled = append(m.cancelled, runID)
	return nil
}

func (m *mockControl) Replay(runID string) (string, error) {
	if runID == "missing" {
		return "", statestore.ErrNotFound
	}
	m.replayed = append(m.replayed, runID)
	return "replay-run", nil
}

func (m *mockControl) Pipelines() map[string]*orchestrator.PipelineSpec {
	return orchestrator.Builtins()
}

func newTestServer(t *testing.T, store *mockStore, control *mockControl) *Server {
	t.Helper()
	pool, err := slots.NewPool(2, 18000, 19000, t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return NewServer("127.0.0.1:0", store, control, pool, nil, zerolog.Nop())
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func TestStatusHandler(t *testing.T) {
	store := &mockStore{runs: []*domain.WorkflowRun{
		{ID: "a", Status: domain.RunRunning},
		{ID: "b", Status: domain.RunRunning},
		{ID: "c", Status: domain.RunSucceeded},
		{ID: "d", Status: domain.RunDeadLettered},
	}}
	s := newTestServer(t, store, &mockControl{})

	w := doRequest(s, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if status.Running != 2 || status.Succeeded != 1 || status.DeadLettered != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.SlotsTotal != 2 {
		t.Errorf("SlotsTotal = %d, want 2", status.SlotsTotal)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	store := &mockStore{runs: []*domain.WorkflowRun{
		{ID: "a", Status: domain.RunRunning, SlotIndex: 0, Ports: &domain.PortPair{A: 18000, B: 19000}},
		{ID: "b", Status: domain.RunSucceeded, SlotIndex: -1},
	}}
	s := newTestServer(t, store, &mockControl{})

	w := doRequest(s, "GET", "/api/runs?status=running", "")
	var runs []RunResponse
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 || runs[0].ID != "a" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].SlotIndex == nil || *runs[0].SlotIndex != 0 || runs[0].PortA != 18000 {
		t.Errorf("slot fields not surfaced: %+v", runs[0])
	}
}

func TestTriggerRun(t *testing.T) {
	control := &mockControl{}
	s := newTestServer(t, &mockStore{}, control)

	w := doRequest(s, "POST", "/api/runs", `{"pipeline":"full","item":"42"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body)
	}
	if len(control.triggered) != 1 || control.triggered[0] != "full:42" {
		t.Errorf("triggered = %v", control.triggered)
	}

	w = doRequest(s, "POST", "/api/runs", `{"pipeline":"bogus","item":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown pipeline status = %d, want 400", w.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockControl{})
	if w := doRequest(s, "GET", "/api/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCancelRun(t *testing.T) {
	control := &mockControl{}
	s := newTestServer(t, &mockStore{}, control)

	if w := doRequest(s, "POST", "/api/runs/abc/cancel", ""); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(control.cancelled) != 1 || control.cancelled[0] != "abc" {
		t.Errorf("cancelled = %v", control.cancelled)
	}
	if w := doRequest(s, "POST", "/api/runs/missing/cancel", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", w.Code)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	control := &mockControl{}
	s := newTestServer(t, &mockStore{}, control)

	w := doRequest(s, "POST", "/api/deadletters/abc/replay", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["run_id"] != "replay-run" || resp["replay_of"] != "abc" {
		t.Errorf("resp = %v", resp)
	}

	if w := doRequest(s, "POST", "/api/deadletters/missing/replay", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing dead letter status = %d, want 404", w.Code)
	}
}

func TestPipelinesHandler(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockControl{})
	w := doRequest(s, "GET", "/api/pipelines", "")

	var pipelines map[string]*orchestrator.PipelineSpec
	json.NewDecoder(w.Body).Decode(&pipelines)
	for _, name := range []string{"full", "plan-only", "autonomous"} {
		if _, ok := pipelines[name]; !ok {
			t.Errorf("pipeline %q missing from response", name)
		}
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &mockStore{}, &mockControl{})
	if w := doRequest(s, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
