package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-court/courthouse/internal/auth"
	"github.com/code-court/courthouse/internal/config"
	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/queue"
	"github.com/code-court/courthouse/internal/scoreboard"
	"github.com/code-court/courthouse/internal/store"
)

const fizzbuzzOutput = "1\n2\nFizz\n4\nBuzz\nFizz\n7\n8\nFizz\nBuzz\n11\nFizz\n13\n14\nFizzBuzz\n"

type testEnv struct {
	t         *testing.T
	st        *store.Memory
	srv       *Server
	ts        *httptest.Server
	tokens    *auth.TokenStore
	contest   *models.Contest
	fizzbuzz  *models.Problem
	defendant *models.User
	operator  *models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, store.Seed(ctx, st))

	now := time.Now().UTC()
	contest := &models.Contest{
		Name:      "finals",
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		IsPublic:  true,
	}
	require.NoError(t, st.CreateContest(ctx, contest))

	hashed, err := auth.HashPassword("pass")
	require.NoError(t, err)
	defendant := &models.User{Username: "alice", Name: "Alice", HashedPassword: hashed, Roles: []string{models.RoleDefendant}}
	require.NoError(t, st.CreateUser(ctx, defendant))
	require.NoError(t, st.AddUserToContest(ctx, defendant.ID, contest.ID))

	operator, err := st.UserByUsername(ctx, "admin")
	require.NoError(t, err)

	ioType, err := st.ProblemTypeByName(ctx, "input-output")
	require.NoError(t, err)
	fizzbuzz := &models.Problem{
		ProblemTypeID:    ioType.ID,
		Slug:             "fizzbuzz",
		Name:             "FizzBuzz",
		ProblemStatement: "Perform fizzbuzz up to the given number",
		SampleInput:      "3",
		SampleOutput:     "1\n2\nFizz",
		SecretInput:      "15",
		SecretOutput:     fizzbuzzOutput,
		IsEnabled:        true,
	}
	require.NoError(t, st.CreateProblem(ctx, fizzbuzz))
	require.NoError(t, st.AddProblemToContest(ctx, fizzbuzz.ID, contest.ID))

	tokens := auth.NewTokenStore(0)
	srv := NewServer(Options{
		Store:  st,
		Queue:  queue.New(st, nil),
		Scores: scoreboard.New(st, scoreboard.NewLocalCache(), nil),
		Tokens: tokens,
		Values: config.NewValues(st),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	srv.baseURL = ts.URL

	return &testEnv{
		t: t, st: st, srv: srv, ts: ts, tokens: tokens,
		contest: contest, fizzbuzz: fizzbuzz, defendant: defendant, operator: operator,
	}
}

func (e *testEnv) request(method, path string, body interface{}, decorate func(*http.Request)) (*http.Response, map[string]interface{}) {
	e.t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, buf)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)

	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func (e *testEnv) asExecutioner(req *http.Request) { req.SetBasicAuth("exec", "epass") }

func (e *testEnv) asUser(u *models.User) func(*http.Request) {
	token := e.tokens.Issue(u.ID)
	return func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
}

func (e *testEnv) submitRun(u *models.User, body map[string]interface{}) (*http.Response, map[string]interface{}) {
	return e.request(http.MethodPost, "/api/submit-run", body, e.asUser(u))
}

// --------------------------------------------------------------------------
// Auth

func TestLogin(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.request(http.MethodPost, "/api/login",
		map[string]string{"username": "alice", "password": "pass"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)

	userID, ok := e.tokens.Lookup(token)
	assert.True(t, ok)
	assert.Equal(t, e.defendant.ID, userID)

	resp, _ = e.request(http.MethodPost, "/api/login",
		map[string]string{"username": "alice", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.request(http.MethodPost, "/api/login",
		map[string]string{"username": "nobody", "password": "pass"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The legacy email field still works as a login handle.
	resp, _ = e.request(http.MethodPost, "/api/login",
		map[string]string{"email": "alice", "password": "pass"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWritEndpointsRequireExecutionerRole(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(http.MethodGet, "/api/get-writ", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.request(http.MethodGet, "/api/get-writ", nil, func(req *http.Request) {
		req.SetBasicAuth("exec", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid credentials without the role are forbidden.
	resp, _ = e.request(http.MethodGet, "/api/get-writ", nil, func(req *http.Request) {
		req.SetBasicAuth("alice", "pass")
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenEndpointsRejectBadTokens(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(http.MethodGet, "/api/current-user", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.request(http.MethodGet, "/api/current-user", nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer bogus")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// --------------------------------------------------------------------------
// Writ lifecycle

func TestWritLifecycleHappyPath(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang":          "python",
		"problem_slug":  "fizzbuzz",
		"source_code":   "print(fizzbuzz(int(input())))",
		"is_submission": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "submit-run: %v", body)
	runID := int64(body["run_id"].(float64))

	resp, writ := e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "found", writ["status"])
	assert.Equal(t, float64(runID), writ["run_id"])
	assert.Equal(t, "15", writ["input"], "the writ carries the secret input")
	assert.Equal(t, "python", writ["language"])
	assert.NotEmpty(t, writ["run_script"])
	assert.Contains(t, writ["return_url"], fmt.Sprintf("/api/submit-writ/%d", runID))

	// Output matches modulo CRLF and trailing whitespace.
	crlfOutput := "1\r\n2\r\nFizz\r\n4\r\nBuzz\r\nFizz\r\n7\r\n8\r\nFizz\r\nBuzz\r\n11\r\nFizz\r\n13\r\n14\r\nFizzBuzz\r\n"
	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": crlfOutput, "state": "Executed"}, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	run, err := e.st.RunByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuccessful, run.State)
	require.NotNil(t, run.IsPassed)
	assert.True(t, *run.IsPassed)
	require.NotNil(t, run.FinishedExecingTime)
	assert.False(t, run.StartedExecingTime.After(*run.FinishedExecingTime))

	// The scoreboard reflects the accept.
	resp, _ = e.request(http.MethodGet, fmt.Sprintf("/api/scores/%d", e.contest.ID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows, err := e.srv.scores.Scores(context.Background(), e.contest.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, 1, rows[0].NumSolved)
	assert.True(t, rows[0].ProblemStates["fizzbuzz"])
}

func TestGetWritUnavailable(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unavailable", body["status"])
}

func TestSubmitWritRejections(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(http.MethodPost, "/api/submit-writ/9999",
		map[string]interface{}{"output": "x"}, e.asExecutioner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := int64(body["run_id"].(float64))
	_, writ := e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	require.Equal(t, "found", writ["status"])

	// Output must be a JSON string.
	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": 12345}, e.asExecutioner)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The first completer wins; the duplicate is rejected.
	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": "wrong"}, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": fizzbuzzOutput}, e.asExecutioner)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	run, err := e.st.RunByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, run.State, "the late correct answer does not overwrite the verdict")
}

func TestSubmitWritAdvisoryState(t *testing.T) {
	e := newTestEnv(t)

	_, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "while True: pass", "is_submission": true,
	})
	runID := int64(body["run_id"].(float64))
	e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)

	resp, _ := e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": "Error: Timed out", "state": "TimedOut"}, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	run, err := e.st.RunByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTimedOut, run.State)
	require.NotNil(t, run.IsPassed)
	assert.False(t, *run.IsPassed)

	// A made-up state is ignored, not stored.
	_, body = e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	runID = int64(body["run_id"].(float64))
	e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": fizzbuzzOutput, "state": "Successful"}, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run, err = e.st.RunByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuccessful, run.State)
	assert.True(t, *run.IsPassed, "pass is computed from the comparator, not trusted")
}

func TestReturnWithoutRun(t *testing.T) {
	e := newTestEnv(t)

	_, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	runID := int64(body["run_id"].(float64))

	_, writ := e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	require.Equal(t, "found", writ["status"])

	resp, _ := e.request(http.MethodPost, fmt.Sprintf("/api/return-without-run/%d", runID), nil, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The run is dispatchable again.
	_, writ = e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	assert.Equal(t, "found", writ["status"])
	assert.Equal(t, float64(runID), writ["run_id"])

	resp, _ = e.request(http.MethodPost, "/api/return-without-run/9999", nil, e.asExecutioner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejudgeRedispatches(t *testing.T) {
	e := newTestEnv(t)

	_, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	runID := int64(body["run_id"].(float64))
	e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": "wrong"}, e.asExecutioner)

	// Only operators may rejudge.
	resp, _ := e.request(http.MethodPost, fmt.Sprintf("/api/rejudge/%d", runID), nil, e.asUser(e.defendant))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/rejudge/%d", runID), nil, e.asUser(e.operator))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, writ := e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	assert.Equal(t, "found", writ["status"])
	assert.Equal(t, float64(runID), writ["run_id"])
}

// --------------------------------------------------------------------------
// Admission

func TestSubmitRunRequiresDefendantRole(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.submitRun(e.operator, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubmitRunValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "cobol", "problem_slug": "fizzbuzz", "source_code": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown language")

	resp, _ = e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "no-such", "source_code": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown problem")

	resp, _ = e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing source")
}

func TestSubmitRunTestRunInputSelection(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// A test run with user input judges against the sample output.
	_, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x",
		"is_submission": false, "user_test_input": "7",
	})
	runID := int64(body["run_id"].(float64))
	run, err := e.st.RunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "7", run.RunInput)
	assert.Equal(t, e.fizzbuzz.SampleOutput, run.CorrectOutput)
	assert.False(t, run.IsSubmission)

	// Without user input the sample pair is used.
	_, body = e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": false,
	})
	run, err = e.st.RunByID(ctx, int64(body["run_id"].(float64)))
	require.NoError(t, err)
	assert.Equal(t, e.fizzbuzz.SampleInput, run.RunInput)
	assert.Equal(t, e.fizzbuzz.SampleOutput, run.CorrectOutput)
}

func TestSubmitRunRateLimit(t *testing.T) {
	e := newTestEnv(t)

	body := map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	}
	for i := 0; i < 5; i++ {
		resp, _ := e.submitRun(e.defendant, body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "run %d within the limit", i+1)
	}

	resp, errBody := e.submitRun(e.defendant, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errBody["error"], "rate limit")

	runs, err := e.st.RunsForUser(context.Background(), e.defendant.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 5, "the rejected submission is not persisted")
}

func TestSubmitRunRateLimitWindowElapses(t *testing.T) {
	e := newTestEnv(t)

	body := map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	}
	for i := 0; i < 5; i++ {
		resp, _ := e.submitRun(e.defendant, body)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Once the window has passed, submissions flow again.
	e.srv.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	resp, _ := e.submitRun(e.defendant, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitRunContestEnded(t *testing.T) {
	e := newTestEnv(t)
	e.srv.now = func() time.Time { return e.contest.EndTime.Add(time.Minute) }

	resp, errBody := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errBody["error"], "ended")

	runs, err := e.st.RunsForUser(context.Background(), e.defendant.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1, "the rejected run is persisted")
	assert.Equal(t, models.StateContestEnded, runs[0].State)

	// No writ is ever leased for it.
	_, writ := e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	assert.Equal(t, "unavailable", writ["status"])

	// The scoreboard ignores it.
	rows, err := e.srv.scores.Scores(context.Background(), e.contest.ID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Zero(t, row.NumSolved)
		assert.Zero(t, row.Penalty)
	}
}

func TestSubmitRunContestNotBegun(t *testing.T) {
	e := newTestEnv(t)
	e.srv.now = func() time.Time { return e.contest.StartTime.Add(-time.Minute) }

	resp, errBody := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errBody["error"], "not begun")

	runs, err := e.st.RunsForUser(context.Background(), e.defendant.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.StateContestHasNotBegun, runs[0].State)
	assert.NotNil(t, runs[0].FinishedExecingTime, "pre-marked finished")

	_, writ := e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	assert.Equal(t, "unavailable", writ["status"])
}

// --------------------------------------------------------------------------
// Contestant reads

func TestCurrentUser(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.request(http.MethodGet, "/api/current-user", nil, e.asUser(e.defendant))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])
	_, leaked := body["hashed_password"]
	assert.False(t, leaked)
}

func TestContestInfo(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp, body := e.request(http.MethodGet, "/api/get-contest-info", nil, e.asUser(e.defendant))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "finals", body["name"])

	// The operator is in no contest.
	resp, _ = e.request(http.MethodGet, "/api/get-contest-info", nil, e.asUser(e.operator))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Two memberships are a data fault.
	second := &models.Contest{Name: "second", StartTime: time.Now(), EndTime: time.Now().Add(time.Hour)}
	require.NoError(t, e.st.CreateContest(ctx, second))
	require.NoError(t, e.st.AddUserToContest(ctx, e.defendant.ID, second.ID))
	resp, _ = e.request(http.MethodGet, "/api/get-contest-info", nil, e.asUser(e.defendant))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestLanguagesPublic(t *testing.T) {
	e := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/api/languages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var langs []models.Language
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&langs))
	assert.NotEmpty(t, langs)
	for _, l := range langs {
		assert.True(t, l.IsEnabled)
	}
}

func TestProblemsWithRuns(t *testing.T) {
	e := newTestEnv(t)

	_, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	runID := body["run_id"].(float64)

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/api/problems", nil)
	require.NoError(t, err)
	e.asUser(e.defendant)(req)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var problems []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problems))
	require.Len(t, problems, 1)
	p := problems[0]
	assert.Equal(t, "fizzbuzz", p["slug"])
	_, leaked := p["secret_output"]
	assert.False(t, leaked, "secret data never serializes")

	runs := p["runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].(map[string]interface{})["id"])
}

func TestProblemBySlugHidesSecrets(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.request(http.MethodGet, "/api/problem/fizzbuzz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FizzBuzz", body["name"])
	_, leaked := body["secret_input"]
	assert.False(t, leaked)

	resp, _ = e.request(http.MethodGet, "/api/problem/no-such", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --------------------------------------------------------------------------
// Live scoreboard

func (e *testEnv) dialLiveScores(contestID int64) *websocket.Conn {
	e.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + fmt.Sprintf("/api/live-scores/%d", contestID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(e.t, err, "websocket handshake through the full middleware chain")
	if resp != nil {
		resp.Body.Close()
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLiveScoresStreamsUpdates(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dialLiveScores(e.contest.ID)

	// The connect snapshot is the first frame.
	var rows []scoreboard.Row
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&rows))
	require.NotEmpty(t, rows)
	assert.Zero(t, rows[0].NumSolved)

	// Judging a passing submission pushes fresh standings.
	_, body := e.submitRun(e.defendant, map[string]interface{}{
		"lang": "python", "problem_slug": "fizzbuzz", "source_code": "x", "is_submission": true,
	})
	runID := int64(body["run_id"].(float64))
	e.request(http.MethodGet, "/api/get-writ", nil, e.asExecutioner)
	resp, _ := e.request(http.MethodPost, fmt.Sprintf("/api/submit-writ/%d", runID),
		map[string]interface{}{"output": fizzbuzzOutput, "state": "Executed"}, e.asExecutioner)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&rows))
	require.NotEmpty(t, rows)
	assert.Equal(t, 1, rows[0].NumSolved)
	assert.True(t, rows[0].ProblemStates["fizzbuzz"])
}

func TestLiveScoresUnknownContest(t *testing.T) {
	e := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/live-scores/9999"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveScoresConcurrentInvalidations(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dialLiveScores(e.contest.ID)

	var rows []scoreboard.Row
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&rows))

	// Invalidations race in from submit-writ, rejudge and user admin;
	// every resulting frame must flow through the single writer.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.srv.scores.Invalidate(context.Background(), e.contest.ID)
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		if err := conn.ReadJSON(&rows); err != nil {
			break
		}
		received++
	}
	assert.Greater(t, received, 0, "broadcasts reach the subscriber")
}

// --------------------------------------------------------------------------
// Clarifications

func TestClarifications(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// A second contestant must not see alice's private question.
	resp, _ := e.request(http.MethodPost, "/api/make-defendant-user", map[string]interface{}{
		"username": "bob", "password": "pass", "contest_name": "finals",
	}, e.asUser(e.operator))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bob, err := e.st.UserByUsername(ctx, "bob")
	require.NoError(t, err)

	resp, body := e.request(http.MethodPost, "/api/submit-clarification", map[string]interface{}{
		"subject": "fizzbuzz bounds", "contents": "Is the input inclusive?", "problem_slug": "fizzbuzz",
	}, e.asUser(e.defendant))
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	clarID := int64(body["clarification_id"].(float64))

	resp, _ = e.request(http.MethodPost, "/api/submit-clarification", map[string]interface{}{
		"subject": "no contents",
	}, e.asUser(e.defendant))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.request(http.MethodPost, "/api/submit-clarification", map[string]interface{}{
		"contents": "x", "problem_slug": "no-such",
	}, e.asUser(e.defendant))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A follow-up joins the parent's thread.
	resp, body = e.request(http.MethodPost, "/api/submit-clarification", map[string]interface{}{
		"contents": "Specifically for n=15?", "parent_id": clarID,
	}, e.asUser(e.defendant))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	followupID := int64(body["clarification_id"].(float64))

	parent, err := e.st.ClarificationByID(ctx, clarID)
	require.NoError(t, err)
	followup, err := e.st.ClarificationByID(ctx, followupID)
	require.NoError(t, err)
	require.NotEmpty(t, parent.Thread)
	assert.Equal(t, parent.Thread, followup.Thread)
	assert.False(t, parent.IsPublic, "contestant questions start private")

	listFor := func(u *models.User) []map[string]interface{} {
		req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/api/clarifications", nil)
		require.NoError(t, err)
		e.asUser(u)(req)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out []map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}
	assert.Len(t, listFor(e.defendant), 2, "own questions are visible")
	assert.Empty(t, listFor(bob), "private questions stay private")

	// Only operators and judges may answer.
	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/answer-clarification/%d", clarID),
		map[string]interface{}{"answer": "yes", "is_public": true}, e.asUser(e.defendant))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A published answer becomes visible to every contestant.
	resp, _ = e.request(http.MethodPost, fmt.Sprintf("/api/answer-clarification/%d", clarID),
		map[string]interface{}{"answer": "Inclusive.", "is_public": true}, e.asUser(e.operator))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bobView := listFor(bob)
	require.Len(t, bobView, 1)
	assert.Equal(t, "Inclusive.", bobView[0]["answer"])

	resp, _ = e.request(http.MethodPost, "/api/answer-clarification/9999",
		map[string]interface{}{"answer": "x"}, e.asUser(e.operator))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --------------------------------------------------------------------------
// User administration

func TestMakeDefendantUser(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.request(http.MethodPost, "/api/make-defendant-user", map[string]interface{}{
		"username": "bob", "password": "hunter2", "contest_name": "finals",
		"misc_data": map[string]interface{}{"school": "State"},
	}, e.asUser(e.operator))
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)

	ctx := context.Background()
	bob, err := e.st.UserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bob.HasRole(models.RoleDefendant))
	assert.Equal(t, "State", bob.MiscData["school"])
	assert.True(t, auth.CheckPassword(bob.HashedPassword, "hunter2"))

	contests, err := e.st.ContestsForUser(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, contests, 1)
	assert.Equal(t, e.contest.ID, contests[0].ID)

	// Defendants may not create users.
	resp, _ = e.request(http.MethodPost, "/api/make-defendant-user", map[string]interface{}{
		"username": "eve", "password": "x", "contest_name": "finals",
	}, e.asUser(e.defendant))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Duplicate usernames surface as a clear client error.
	resp, body = e.request(http.MethodPost, "/api/make-defendant-user", map[string]interface{}{
		"username": "bob", "password": "x", "contest_name": "finals",
	}, e.asUser(e.operator))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "exists")
}

func TestUpdateUserMetadataAndSignout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp, _ := e.request(http.MethodPost, "/api/update-user-metadata", map[string]interface{}{
		"username": "alice", "misc_data": map[string]interface{}{"shirt_size": "M"},
	}, e.asUser(e.operator))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	alice, err := e.st.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "M", alice.MiscData["shirt_size"])

	// Signout stamps the metadata and revokes tokens.
	token := e.tokens.Issue(e.defendant.ID)
	resp, _ = e.request(http.MethodGet, "/api/signout/alice", nil, e.asUser(e.operator))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	alice, err = e.st.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, alice.MiscData["signed_out_at"])
	_, ok := e.tokens.Lookup(token)
	assert.False(t, ok)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.request(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
