// Package queue turns pending runs into executable writs. Selection is
// priority-first then oldest submit_time, and the lease itself is a
// conditional update in the store, so concurrent callers race safely: the
// loser retries the selection.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/code-court/courthouse/internal/metrics"
	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

// ErrUnavailable means no run is waiting for dispatch.
var ErrUnavailable = errors.New("queue: no pending runs")

// Writ is the leased, ready-to-execute unit of work handed to an
// executor. It never carries the expected output.
type Writ struct {
	Status     string `json:"status"`
	SourceCode string `json:"source_code"`
	Language   string `json:"language"`
	RunScript  string `json:"run_script"`
	Input      string `json:"input"`
	RunID      int64  `json:"run_id"`
	ReturnURL  string `json:"return_url"`
}

// Queue selects and leases runs for execution.
type Queue struct {
	st  store.Store
	met *metrics.Metrics
	now func() time.Time
}

// New creates a queue over the store. met may be nil.
func New(st store.Store, met *metrics.Metrics) *Queue {
	return &Queue{st: st, met: met, now: func() time.Time { return time.Now().UTC() }}
}

// NextWrit picks the next run per the dispatch order, leases it, and
// builds the writ payload. Returns ErrUnavailable when nothing is
// pending. baseURL is used to construct the writ's return_url.
//
// A lease conflict means another caller just handed that run out, which
// removes it from the candidate set, so selection is retried until it
// either wins a lease or the pending set drains.
func (q *Queue) NextWrit(ctx context.Context, baseURL string) (*Writ, error) {
	for {
		run, err := q.selectCandidate(ctx)
		if err != nil {
			return nil, err
		}

		if err := q.st.LeaseRun(ctx, run.ID, q.now()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				q.met.RecordLeaseConflict()
				continue
			}
			return nil, fmt.Errorf("lease run %d: %w", run.ID, err)
		}

		q.met.RecordWritLeased()
		return &Writ{
			Status:     "found",
			SourceCode: run.SourceCode,
			Language:   run.Language.Name,
			RunScript:  run.Language.RunScript,
			Input:      run.RunInput,
			RunID:      run.ID,
			ReturnURL:  fmt.Sprintf("%s/api/submit-writ/%d", baseURL, run.ID),
		}, nil
	}
}

// selectCandidate applies the dispatch order: oldest priority run first,
// then oldest run overall; ties break on smallest id inside the store.
func (q *Queue) selectCandidate(ctx context.Context) (*models.Run, error) {
	run, err := q.st.NextPendingRun(ctx, true)
	if errors.Is(err, store.ErrNotFound) {
		run, err = q.st.NextPendingRun(ctx, false)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("select pending run: %w", err)
	}
	return run, nil
}

// Return clears the lease on an unfinished run (explicit
// return-without-run). Idempotent while the writ is unfinished.
func (q *Queue) Return(ctx context.Context, runID int64) error {
	if err := q.st.ClearLease(ctx, runID); err != nil {
		return err
	}
	q.met.RecordWritReturned()
	return nil
}

// Rejudge clears a run's lifecycle fields, refreshes its input and
// expected output from the problem's current test data, and returns it to
// the unleased pool. The run re-enters dispatch order by its original
// submit_time.
func (q *Queue) Rejudge(ctx context.Context, runID int64) error {
	run, err := q.st.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	runInput, correctOutput := run.RunInput, run.CorrectOutput
	if run.ProblemID != 0 {
		problem, err := q.st.ProblemByID(ctx, run.ProblemID)
		if err != nil {
			return fmt.Errorf("rejudge run %d: %w", runID, err)
		}
		if run.IsSubmission {
			runInput, correctOutput = problem.SecretInput, problem.SecretOutput
		} else {
			correctOutput = problem.SampleOutput
		}
	}

	return q.st.RejudgeRun(ctx, runID, runInput, correctOutput)
}
