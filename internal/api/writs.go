package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/queue"
	"github.com/code-court/courthouse/internal/store"
	"github.com/code-court/courthouse/internal/verdict"
)

func runIDFromRequest(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["run_id"], 10, 64)
}

// handleGetWrit leases the next pending run and returns it as a writ.
// When nothing is pending the response is 200 {"status":"unavailable"} so
// pollers can distinguish an empty queue from a routing error.
func (s *Server) handleGetWrit(w http.ResponseWriter, r *http.Request) {
	writ, err := s.q.NextWrit(r.Context(), s.baseURL)
	if errors.Is(err, queue.ErrUnavailable) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unavailable"})
		return
	}
	if err != nil {
		s.log.Error("writ dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "writ dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, writ)
}

// submitWritRequest is decoded permissively so a non-string output can be
// rejected with 400 instead of a silent coercion.
type submitWritRequest struct {
	Output json.RawMessage `json:"output"`
	State  string          `json:"state"`
}

// handleSubmitWrit records an executor's result. The first completer
// wins; a finished run rejects with 400. The executor's reported state is
// advisory: it may name a terminal sandbox reason, but pass/fail is always
// computed server-side from the expected output.
func (s *Server) handleSubmitWrit(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	var req submitWritRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var output string
	if req.Output == nil || json.Unmarshal(req.Output, &output) != nil {
		writeError(w, http.StatusBadRequest, "output must be a string")
		return
	}

	run, err := s.st.RunByID(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	if run.IsJudged() {
		writeError(w, http.StatusBadRequest, "run is already judged")
		return
	}

	reason := models.StateExecuted
	if req.State != "" && models.TerminalExecutorStates[models.RunState(req.State)] {
		reason = models.RunState(req.State)
	}

	finalState := reason
	var isPassed *bool
	if run.IsSubmission {
		strict := s.values.Bool(r.Context(), "strict_whitespace_diffing", false)
		passed := reason == models.StateExecuted && verdict.Compare(output, run.CorrectOutput, strict)
		isPassed = &passed
		if reason == models.StateExecuted {
			if passed {
				finalState = models.StateSuccessful
			} else {
				finalState = models.StateFailed
			}
		}
	}

	err = s.st.FinishRun(r.Context(), store.FinishRunParams{
		RunID:    runID,
		Output:   output,
		State:    finalState,
		IsPassed: isPassed,
		Finished: s.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusBadRequest, "run is already judged")
		return
	}
	if err != nil {
		s.log.Error("finish run failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "finish run failed")
		return
	}

	s.met.RecordRunJudged(string(finalState))
	s.runCache.Invalidate(run.UserID)
	if isPassed != nil && *isPassed {
		s.scores.Invalidate(r.Context(), run.ContestID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReturnWithoutRun releases a writ an executor could not finish so
// dispatch can hand it to another worker.
func (s *Server) handleReturnWithoutRun(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	err = s.q.Return(r.Context(), runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusBadRequest, "run is already judged")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "lease release failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleRejudge resets a run's verdict and returns it to the dispatch
// pool. Operator only.
func (s *Server) handleRejudge(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.st.RunByID(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}

	if err := s.q.Rejudge(r.Context(), runID); err != nil {
		s.log.Error("rejudge failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "rejudge failed")
		return
	}

	// The prior verdict may have counted on the scoreboard.
	s.runCache.Invalidate(run.UserID)
	s.scores.Invalidate(r.Context(), run.ContestID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
