package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/code-court/courthouse/internal/store"
)

// handleScores returns the contest standings, public.
func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	contestID, err := strconv.ParseInt(mux.Vars(r)["contest_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contest id")
		return
	}
	rows, err := s.scores.Scores(r.Context(), contestID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "contest not found")
		return
	}
	if err != nil {
		s.log.Error("scoreboard failed", "contest_id", contestID, "error", err)
		writeError(w, http.StatusInternalServerError, "scoreboard failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
