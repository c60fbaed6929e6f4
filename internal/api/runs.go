package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

// Rate-limit fallbacks when the configuration rows are missing.
const (
	defaultMaxRuns       = 5
	defaultRateWindowMin = 1
)

type submitRunRequest struct {
	Language      string `json:"lang"`
	ProblemSlug   string `json:"problem_slug"`
	SourceCode    string `json:"source_code"`
	IsSubmission  bool   `json:"is_submission"`
	UserTestInput string `json:"user_test_input"`
}

// handleSubmitRun is the admission path. Every request that passes
// validation leaves a persistent run: accepted ones in Judging awaiting
// dispatch, out-of-window ones pre-finished in a rejected state so the
// queue never sees them.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	if !user.HasRole(models.RoleDefendant) {
		writeError(w, http.StatusForbidden, "defendant role required")
		return
	}

	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Language == "" || req.ProblemSlug == "" || req.SourceCode == "" {
		writeError(w, http.StatusBadRequest, "lang, problem_slug and source_code are required")
		return
	}

	contests, err := s.st.ContestsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "contest lookup failed")
		return
	}
	if len(contests) != 1 {
		writeError(w, http.StatusBadRequest, "user must belong to exactly one contest")
		return
	}
	contest := contests[0]

	lang, err := s.st.LanguageByName(r.Context(), req.Language)
	if err != nil || !lang.IsEnabled {
		writeError(w, http.StatusBadRequest, "unknown or disabled language")
		return
	}
	problem, err := s.st.ProblemBySlug(r.Context(), req.ProblemSlug)
	if err != nil || !problem.IsEnabled {
		writeError(w, http.StatusBadRequest, "unknown problem")
		return
	}
	inContest, err := s.st.ContestHasProblem(r.Context(), contest.ID, problem.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "problem lookup failed")
		return
	}
	if !inContest {
		writeError(w, http.StatusBadRequest, "problem is not part of your contest")
		return
	}

	now := s.now()

	maxRuns := s.values.Int(r.Context(), "max_user_submissions", defaultMaxRuns)
	windowMin := s.values.Int(r.Context(), "user_submission_time_limit", defaultRateWindowMin)
	count, err := s.st.CountRunsSince(r.Context(), user.ID, now.Add(-time.Duration(windowMin)*time.Minute))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate check failed")
		return
	}
	if count >= maxRuns {
		writeError(w, http.StatusBadRequest, "submission rate limit exceeded, slow down")
		return
	}

	run := &models.Run{
		UserID:       user.ID,
		ContestID:    contest.ID,
		LanguageID:   lang.ID,
		ProblemID:    problem.ID,
		SubmitTime:   now,
		SourceCode:   req.SourceCode,
		IsSubmission: req.IsSubmission,
		State:        models.StateJudging,
	}

	// Out-of-window runs are persisted pre-finished so dispatch never
	// leases them.
	switch {
	case now.After(contest.EndTime):
		run.State = models.StateContestEnded
		run.FinishedExecingTime = &now
	case now.Before(contest.StartTime):
		run.State = models.StateContestHasNotBegun
		run.FinishedExecingTime = &now
	default:
		if req.IsSubmission {
			run.RunInput = problem.SecretInput
			run.CorrectOutput = problem.SecretOutput
		} else if req.UserTestInput != "" {
			run.RunInput = req.UserTestInput
			run.CorrectOutput = problem.SampleOutput
		} else {
			run.RunInput = problem.SampleInput
			run.CorrectOutput = problem.SampleOutput
		}
	}

	if err := s.st.CreateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, "run creation failed")
		return
	}
	s.met.RecordRunSubmitted(string(run.State))
	s.runCache.Invalidate(user.ID)

	switch run.State {
	case models.StateContestEnded:
		writeError(w, http.StatusBadRequest, "contest has ended")
	case models.StateContestHasNotBegun:
		writeError(w, http.StatusBadRequest, "contest has not begun")
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "run_id": run.ID})
	}
}

type problemWithRuns struct {
	*models.Problem
	Runs []*models.Run `json:"runs"`
}

// handleProblems lists the enabled problems of the caller's contest with
// the subject user's runs attached. Operators and judges may name another
// user in the path.
func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	caller, _ := userFrom(r.Context())
	subject := caller
	if raw, ok := mux.Vars(r)["user_id"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		if id != caller.ID {
			if !caller.HasRole(models.RoleOperator) && !caller.HasRole(models.RoleJudge) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			subject, err = s.st.UserByID(r.Context(), id)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "user lookup failed")
				return
			}
		}
	}

	contests, err := s.st.ContestsForUser(r.Context(), subject.ID)
	if err != nil || len(contests) == 0 {
		writeError(w, http.StatusBadRequest, "user has no contest")
		return
	}
	problems, err := s.st.ProblemsForContest(r.Context(), contests[0].ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "problem lookup failed")
		return
	}

	runs, ok := s.runCache.Get(subject.ID)
	if !ok {
		runs, err = s.st.RunsForUser(r.Context(), subject.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "run lookup failed")
			return
		}
		s.runCache.Set(subject.ID, runs)
	}
	runsByProblem := make(map[int64][]*models.Run)
	for _, run := range runs {
		runsByProblem[run.ProblemID] = append(runsByProblem[run.ProblemID], run)
	}

	out := make([]problemWithRuns, 0, len(problems))
	for _, p := range problems {
		if !p.IsEnabled {
			continue
		}
		pr := runsByProblem[p.ID]
		if pr == nil {
			pr = []*models.Run{}
		}
		out = append(out, problemWithRuns{Problem: p, Runs: pr})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProblemBySlug is the public problem detail view. Secret test data
// never serializes.
func (s *Server) handleProblemBySlug(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	problem, err := s.st.ProblemBySlug(r.Context(), slug)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "problem not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "problem lookup failed")
		return
	}
	if !problem.IsEnabled {
		writeError(w, http.StatusNotFound, "problem not found")
		return
	}
	writeJSON(w, http.StatusOK, problem)
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	langs, err := s.st.EnabledLanguages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "language lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, langs)
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	writeJSON(w, http.StatusOK, user)
}

// handleContestInfo returns the caller's single contest. Membership in
// more than one contest is a data fault, reported as 500.
func (s *Server) handleContestInfo(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())
	contests, err := s.st.ContestsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "contest lookup failed")
		return
	}
	switch {
	case len(contests) == 0:
		writeError(w, http.StatusBadRequest, "user has no contest")
	case len(contests) > 1:
		writeError(w, http.StatusInternalServerError, "user belongs to multiple contests")
	default:
		writeJSON(w, http.StatusOK, contests[0])
	}
}
