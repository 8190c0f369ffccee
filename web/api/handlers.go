package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/hochfrequenz/runforge/internal/statestore"
)

// RunResponse is the API shape of a workflow run
type RunResponse struct {
	ID        string   `json:"id"`
	Pipeline  string   `json:"pipeline"`
	Phase     string   `json:"phase"`
	Status    string   `json:"status"`
	Version   int64    `json:"version"`
	SlotIndex *int     `json:"slot_index,omitempty"`
	PortA     int      `json:"port_a,omitempty"`
	PortB     int      `json:"port_b,omitempty"`
	Ancestors []string `json:"ancestors,omitempty"`
	ItemRef   string   `json:"item_ref,omitempty"`
	Tier      string   `json:"tier"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// RecordResponse is the API shape of one phase attempt
type RecordResponse struct {
	Phase      string `json:"phase"`
	Attempt    int    `json:"attempt"`
	SessionID  string `json:"session_id"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// SlotResponse is the API shape of an occupied slot
type SlotResponse struct {
	Index     int    `json:"index"`
	RunID     string `json:"run_id"`
	Workspace string `json:"workspace"`
	PortA     int    `json:"port_a"`
	PortB     int    `json:"port_b"`
}

// DeadLetterResponse is the API shape of a dead letter
type DeadLetterResponse struct {
	RunID     string `json:"run_id"`
	Phase     string `json:"phase"`
	Error     string `json:"error"`
	CreatedAt string `json:"created_at"`
}

// StatusResponse summarizes the whole system
type StatusResponse struct {
	Running      int `json:"running"`
	Pending      int `json:"pending"`
	Succeeded    int `json:"succeeded"`
	DeadLettered int `json:"dead_lettered"`
	Cancelled    int `json:"cancelled"`
	Failed       int `json:"failed"`
	SlotsInUse   int `json:"slots_in_use"`
	SlotsTotal   int `json:"slots_total"`
}

// TriggerRequest is the POST /api/runs body
type TriggerRequest struct {
	Pipeline string `json:"pipeline"`
	Item     string `json:"item"`
	Tier     string `json:"tier"`
}

func runToResponse(run *domain.WorkflowRun) RunResponse {
	resp := RunResponse{
		ID:        run.ID,
		Pipeline:  run.Pipeline,
		Phase:     run.Phase,
		Status:    string(run.Status),
		Version:   run.Version,
		Ancestors: run.Ancestors,
		ItemRef:   run.ItemRef,
		Tier:      string(run.Tier),
		CreatedAt: run.CreatedAt.Format(time.RFC3339),
		UpdatedAt: run.UpdatedAt.Format(time.RFC3339),
	}
	if run.HoldsSlot() {
		idx := run.SlotIndex
		resp.SlotIndex = &idx
		if run.Ports != nil {
			resp.PortA = run.Ports.A
			resp.PortB = run.Ports.B
		}
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.store.ListRuns("")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		for _, run := range runs {
			switch run.Status {
			case domain.RunRunning:
				status.Running++
			case domain.RunPending:
				status.Pending++
			case domain.RunSucceeded:
				status.Succeeded++
			case domain.RunDeadLettered:
				status.DeadLettered++
			case domain.RunCancelled:
				status.Cancelled++
			case domain.RunFailed:
				status.Failed++
			}
		}
		status.SlotsInUse = len(s.pool.ListActive())
		status.SlotsTotal = s.pool.Size()
		writeJSON(w, status)
	}
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runs, err := s.store.ListRuns(domain.RunStatus(r.URL.Query().Get("status")))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]RunResponse, len(runs))
			for i, run := range runs {
				resp[i] = runToResponse(run)
			}
			writeJSON(w, resp)

		case http.MethodPost:
			var req TriggerRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid body")
				return
			}
			runID, err := s.control.Trigger(req.Pipeline, req.Item, domain.ModelTier(req.Tier))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, map[string]string{"run_id": runID})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// runHandler serves /api/runs/{id}, /api/runs/{id}/records and
// POST /api/runs/{id}/cancel
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		parts := strings.SplitN(rest, "/", 2)
		runID := parts[0]
		if runID == "" {
			writeError(w, http.StatusBadRequest, "missing run id")
			return
		}

		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			run, err := s.store.Load(runID)
			if errors.Is(err, statestore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown run")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, runToResponse(run))

		case action == "records" && r.Method == http.MethodGet:
			records, err := s.store.ListPhaseRecords(runID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]RecordResponse, len(records))
			for i, rec := range records {
				resp[i] = RecordResponse{
					Phase:      rec.Phase,
					Attempt:    rec.Attempt,
					SessionID:  rec.SessionID,
					Outcome:    string(rec.Outcome),
					DurationMS: rec.Duration.Milliseconds(),
					Timestamp:  rec.Timestamp.Format(time.RFC3339),
				}
			}
			writeJSON(w, resp)

		case action == "cancel" && r.Method == http.MethodPost:
			err := s.control.Cancel(runID)
			if errors.Is(err, statestore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown run")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, map[string]string{"run_id": runID, "status": string(domain.RunCancelled)})

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) slotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		active := s.pool.ListActive()
		resp := make([]SlotResponse, len(active))
		for i, slot := range active {
			resp[i] = SlotResponse{
				Index:     slot.Index,
				RunID:     slot.RunID,
				Workspace: slot.Workspace,
				PortA:     slot.Ports.A,
				PortB:     slot.Ports.B,
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) deadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		entries, err := s.store.ListDeadLetters()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]DeadLetterResponse, len(entries))
		for i, e := range entries {
			resp[i] = DeadLetterResponse{
				RunID:     e.RunID,
				Phase:     e.Phase,
				Error:     e.ErrorText,
				CreatedAt: e.CreatedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, resp)
	}
}

// replayHandler serves POST /api/deadletters/{id}/replay
func (s *Server) replayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/deadletters/")
		runID, action, _ := strings.Cut(rest, "/")
		if action != "replay" || r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		childID, err := s.control.Replay(runID)
		if errors.Is(err, statestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no dead letter for run")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"run_id": childID, "replay_of": runID})
	}
}

func (s *Server) pipelinesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.control.Pipelines())
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.store.ListRuns(domain.RunRunning); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}
