// Package executor is the polling worker: it claims writs from a
// courthouse, runs them through a sandbox engine, and submits the results.
// Workers are stateless; any number may poll the same courthouse.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/queue"
	"github.com/code-court/courthouse/internal/sandbox"
)

// Poll backoff bounds. The interval starts at the minimum and doubles on
// every empty poll or connection failure up to the maximum.
const (
	minBackoff = 1 * time.Second
	maxBackoff = 5 * time.Second
)

// Options configures a Worker.
type Options struct {
	// BaseURL is the courthouse address, e.g. "http://localhost:9191".
	BaseURL  string
	Username string
	Password string
	Engine   sandbox.Engine
	Logger   *slog.Logger
	// HTTPClient may be nil; a client with a sane timeout is used.
	HTTPClient *http.Client
}

// Worker polls for writs and judges them one at a time.
type Worker struct {
	baseURL  string
	username string
	password string
	engine   sandbox.Engine
	client   *http.Client
	log      *slog.Logger
}

// New creates a worker.
func New(opts Options) *Worker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		baseURL:  opts.BaseURL,
		username: opts.Username,
		password: opts.Password,
		engine:   opts.Engine,
		client:   client,
		log:      logger,
	}
}

// Run polls until the context is cancelled. A writ in flight when
// cancellation arrives is returned to the courthouse best-effort so
// another worker can pick it up before the reaper would.
func (w *Worker) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		writ, err := w.fetchWrit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("writ fetch failed", "error", err)
			backoff = w.sleep(ctx, backoff)
			continue
		}
		if writ == nil {
			backoff = w.sleep(ctx, backoff)
			continue
		}
		backoff = minBackoff

		w.judge(ctx, writ)
	}
}

// judge executes one writ and reports the outcome. Sandbox failures and
// cancellation return the writ without a run; a fabricated verdict is
// never submitted.
func (w *Worker) judge(ctx context.Context, writ *queue.Writ) {
	w.log.Info("judging writ", "run_id", writ.RunID, "language", writ.Language)

	output, state, err := w.engine.Run(ctx, sandbox.Job{
		RunID:      writ.RunID,
		Language:   writ.Language,
		RunScript:  writ.RunScript,
		SourceCode: writ.SourceCode,
		Input:      writ.Input,
	})
	if err != nil || ctx.Err() != nil {
		if err != nil {
			w.log.Error("sandbox failure, returning writ", "run_id", writ.RunID, "error", err)
		}
		w.returnWrit(writ.RunID)
		return
	}

	if err := w.submitWrit(ctx, writ, output, state); err != nil {
		w.log.Error("writ submit failed, returning writ", "run_id", writ.RunID, "error", err)
		w.returnWrit(writ.RunID)
		return
	}
	w.log.Info("writ judged", "run_id", writ.RunID, "state", string(state))
}

// fetchWrit polls get-writ. A nil writ with nil error means the queue is
// empty; legacy courthouses answer 404 instead of the unavailable status.
func (w *Worker) fetchWrit(ctx context.Context) (*queue.Writ, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/api/get-writ", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(w.username, w.password)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("get-writ: unexpected status %d", resp.StatusCode)
	}

	var writ queue.Writ
	if err := json.NewDecoder(resp.Body).Decode(&writ); err != nil {
		return nil, fmt.Errorf("get-writ: decode: %w", err)
	}
	if writ.Status != "found" {
		return nil, nil
	}
	return &writ, nil
}

func (w *Worker) submitWrit(ctx context.Context, writ *queue.Writ, output string, state models.RunState) error {
	body, err := json.Marshal(map[string]string{
		"output": output,
		"state":  string(state),
	})
	if err != nil {
		return err
	}

	url := writ.ReturnURL
	if url == "" {
		url = fmt.Sprintf("%s/api/submit-writ/%d", w.baseURL, writ.RunID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(w.username, w.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit-writ: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// returnWrit uses a fresh context so the release still goes out when the
// worker context is already cancelled (SIGINT shutdown).
func (w *Worker) returnWrit(runID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/api/return-without-run/%d", w.baseURL, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	req.SetBasicAuth(w.username, w.password)

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("writ return failed, the reaper will reclaim it", "run_id", runID, "error", err)
		return
	}
	drainClose(resp.Body)
}

// sleep waits out the backoff and returns the next (doubled, capped)
// interval.
func (w *Worker) sleep(ctx context.Context, backoff time.Duration) time.Duration {
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	body.Close()
}
