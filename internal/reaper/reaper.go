// Package reaper reclaims writs whose executor lease exceeded the timeout
// without a submitted verdict, returning them to the dispatch pool.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/code-court/courthouse/internal/config"
	"github.com/code-court/courthouse/internal/metrics"
	"github.com/code-court/courthouse/internal/store"
)

// DefaultExecutorTimeout applies when the executor_timeout configuration
// row is missing.
const DefaultExecutorTimeout = 3 // minutes

// Reaper periodically clears expired leases. The clear uses the same
// conditional update as explicit returns (only while the run is
// unfinished), so it is idempotent and safe to run concurrently with
// dispatch and submit-writ.
type Reaper struct {
	st     store.Store
	values *config.Values
	met    *metrics.Metrics
	period time.Duration
	now    func() time.Time
}

// New creates a reaper ticking at the given period (15s when zero).
func New(st store.Store, values *config.Values, met *metrics.Metrics, period time.Duration) *Reaper {
	if period == 0 {
		period = 15 * time.Second
	}
	return &Reaper{
		st:     st,
		values: values,
		met:    met,
		period: period,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Printf("reaper: sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("reaper: reclaimed %d overdue lease(s)", n)
			}
		}
	}
}

// Sweep clears every lease older than the configured executor timeout and
// returns how many were reclaimed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	timeoutMins := r.values.Int(ctx, "executor_timeout", DefaultExecutorTimeout)
	cutoff := r.now().Add(-time.Duration(timeoutMins) * time.Minute)

	n, err := r.st.ResetOverdueRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.met.RecordReaperReclaims(n)
	return n, nil
}
