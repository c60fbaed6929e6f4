package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/queue"
	"github.com/code-court/courthouse/internal/sandbox"
)

// stubEngine returns a canned result or error.
type stubEngine struct {
	output string
	state  models.RunState
	err    error

	mu   sync.Mutex
	jobs []sandbox.Job
}

func (s *stubEngine) Run(ctx context.Context, job sandbox.Job) (string, models.RunState, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return s.output, s.state, s.err
}

// stubCourthouse records writ traffic.
type stubCourthouse struct {
	mu        sync.Mutex
	writ      *queue.Writ
	submitted []map[string]string
	returned  []string
	user      string
	pass      string
}

func (c *stubCourthouse) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get-writ", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		require.Equal(t, c.user, user)
		require.Equal(t, c.pass, pass)

		c.mu.Lock()
		writ := c.writ
		c.writ = nil
		c.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if writ == nil {
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
		json.NewEncoder(w).Encode(writ)
	})
	mux.HandleFunc("/api/submit-writ/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(body, &payload))
		c.mu.Lock()
		c.submitted = append(c.submitted, payload)
		c.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/return-without-run/", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.returned = append(c.returned, r.URL.Path)
		c.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func newTestWorker(t *testing.T, ch *stubCourthouse, engine sandbox.Engine) (*Worker, *httptest.Server) {
	t.Helper()
	ch.user, ch.pass = "exec", "epass"
	ts := httptest.NewServer(ch.handler(t))
	t.Cleanup(ts.Close)
	w := New(Options{
		BaseURL:  ts.URL,
		Username: "exec",
		Password: "epass",
		Engine:   engine,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return w, ts
}

func TestFetchWrit(t *testing.T) {
	ch := &stubCourthouse{writ: &queue.Writ{
		Status: "found", RunID: 7, Language: "python", RunScript: "#!/bin/sh\ntrue",
		SourceCode: "print(1)", Input: "15",
	}}
	w, ts := newTestWorker(t, ch, &stubEngine{})
	ch.writ.ReturnURL = ts.URL + "/api/submit-writ/7"

	writ, err := w.fetchWrit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, writ)
	assert.Equal(t, int64(7), writ.RunID)

	// Empty queue yields no writ and no error.
	writ, err = w.fetchWrit(context.Background())
	require.NoError(t, err)
	assert.Nil(t, writ)
}

func TestJudgeSubmitsResult(t *testing.T) {
	engine := &stubEngine{output: "1\n2\nFizz\n", state: models.StateExecuted}
	ch := &stubCourthouse{}
	w, ts := newTestWorker(t, ch, engine)

	writ := &queue.Writ{
		Status: "found", RunID: 7, Language: "python",
		RunScript: "#!/bin/sh\ntrue", SourceCode: "print(1)", Input: "15",
		ReturnURL: ts.URL + "/api/submit-writ/7",
	}
	w.judge(context.Background(), writ)

	require.Len(t, engine.jobs, 1)
	assert.Equal(t, int64(7), engine.jobs[0].RunID)
	assert.Equal(t, "15", engine.jobs[0].Input)

	require.Len(t, ch.submitted, 1)
	assert.Equal(t, "1\n2\nFizz\n", ch.submitted[0]["output"])
	assert.Equal(t, "Executed", ch.submitted[0]["state"])
	assert.Empty(t, ch.returned)
}

func TestJudgeReturnsWritOnSandboxFailure(t *testing.T) {
	engine := &stubEngine{err: errors.New("docker daemon unreachable")}
	ch := &stubCourthouse{}
	w, ts := newTestWorker(t, ch, engine)

	w.judge(context.Background(), &queue.Writ{
		Status: "found", RunID: 9, ReturnURL: ts.URL + "/api/submit-writ/9",
	})

	assert.Empty(t, ch.submitted, "no fabricated verdict is submitted")
	require.Len(t, ch.returned, 1)
	assert.Contains(t, ch.returned[0], "/api/return-without-run/9")
}

func TestJudgeReturnsWritOnCancellation(t *testing.T) {
	engine := &stubEngine{output: "partial", state: models.StateExecuted}
	ch := &stubCourthouse{}
	w, ts := newTestWorker(t, ch, engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.judge(ctx, &queue.Writ{
		Status: "found", RunID: 3, ReturnURL: ts.URL + "/api/submit-writ/3",
	})

	assert.Empty(t, ch.submitted)
	require.Len(t, ch.returned, 1)
	assert.Contains(t, ch.returned[0], "/api/return-without-run/3")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	w, _ := newTestWorker(t, &stubCourthouse{}, &stubEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // sleep returns immediately on a cancelled context

	b := w.sleep(ctx, minBackoff)
	assert.Equal(t, 2*minBackoff, b)
	b = w.sleep(ctx, b)
	assert.Equal(t, 4*minBackoff, b)
	b = w.sleep(ctx, b)
	assert.Equal(t, maxBackoff, b)
}
