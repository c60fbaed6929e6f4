package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

type submitClarificationRequest struct {
	Subject     string `json:"subject"`
	Contents    string `json:"contents"`
	ProblemSlug string `json:"problem_slug"`
	ParentID    int64  `json:"parent_id"`
}

// handleSubmitClarification records a contestant question about a problem
// or the contest in general. Follow-ups name a parent_id and join its
// thread; new questions start one. Contestant questions are always
// private until an operator publishes them with an answer.
func (s *Server) handleSubmitClarification(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req submitClarificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Contents == "" {
		writeError(w, http.StatusBadRequest, "contents is required")
		return
	}

	var problemID int64
	if req.ProblemSlug != "" {
		problem, err := s.st.ProblemBySlug(r.Context(), req.ProblemSlug)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown problem")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "problem lookup failed")
			return
		}
		problemID = problem.ID
	}

	thread := uuid.New().String()
	if req.ParentID != 0 {
		parent, err := s.st.ClarificationByID(r.Context(), req.ParentID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown parent clarification")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "clarification lookup failed")
			return
		}
		thread = parent.Thread
	}

	clar := &models.Clarification{
		ProblemID:        problemID,
		InitiatingUserID: user.ID,
		Subject:          req.Subject,
		Contents:         req.Contents,
		Thread:           thread,
		CreationTime:     s.now(),
	}
	if err := s.st.CreateClarification(r.Context(), clar); err != nil {
		writeError(w, http.StatusInternalServerError, "clarification creation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "clarification_id": clar.ID})
}

// handleClarifications lists the clarifications visible to the caller:
// public ones plus their own questions.
func (s *Server) handleClarifications(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	clars, err := s.st.VisibleClarifications(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clarification lookup failed")
		return
	}
	if clars == nil {
		clars = []*models.Clarification{}
	}
	writeJSON(w, http.StatusOK, clars)
}

type answerClarificationRequest struct {
	Answer   string `json:"answer"`
	IsPublic bool   `json:"is_public"`
}

// handleAnswerClarification records an answer and optionally publishes
// the clarification to every contestant. Operator or judge only.
func (s *Server) handleAnswerClarification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["clarification_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clarification id")
		return
	}

	var req answerClarificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Answer == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}

	err = s.st.AnswerClarification(r.Context(), id, req.Answer, req.IsPublic)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "clarification not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clarification update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
