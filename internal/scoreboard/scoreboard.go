// Package scoreboard derives contest standings from judged submission
// runs. Reads go through a cache keyed by contest id; the cache is
// invalidated whenever a run for that contest passes or membership
// changes.
package scoreboard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/code-court/courthouse/internal/metrics"
	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

// Row is one scoreboard entry. ProblemStates maps problem slug to solved.
type Row struct {
	User          *models.User    `json:"user"`
	NumSolved     int             `json:"num_solved"`
	Penalty       int             `json:"penalty"`
	ProblemStates map[string]bool `json:"problem_states"`
}

// Aggregator computes and caches contest standings.
type Aggregator struct {
	st    store.Store
	cache Cache
	met   *metrics.Metrics

	mu        sync.Mutex
	listeners []func(contestID int64)
}

// New creates an aggregator. cache may be nil to disable caching; met may
// be nil.
func New(st store.Store, cache Cache, met *metrics.Metrics) *Aggregator {
	if cache == nil {
		cache = nopCache{}
	}
	return &Aggregator{st: st, cache: cache, met: met}
}

// Scores returns the standings for a contest, sorted by
// (num_solved desc, penalty asc).
func (a *Aggregator) Scores(ctx context.Context, contestID int64) ([]Row, error) {
	if rows, ok := a.cache.Get(ctx, contestID); ok {
		a.met.RecordScoreCache(true)
		return rows, nil
	}
	a.met.RecordScoreCache(false)

	rows, err := a.compute(ctx, contestID)
	if err != nil {
		return nil, err
	}
	a.cache.Set(ctx, contestID, rows)
	return rows, nil
}

func (a *Aggregator) compute(ctx context.Context, contestID int64) ([]Row, error) {
	if _, err := a.st.ContestByID(ctx, contestID); err != nil {
		return nil, err
	}

	defendants, err := a.st.DefendantsForContest(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("scoreboard defendants: %w", err)
	}
	problems, err := a.st.ProblemsForContest(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("scoreboard problems: %w", err)
	}
	// Judged submissions, already ordered by submit_time.
	runs, err := a.st.SubmissionsForContest(ctx, contestID)
	if err != nil {
		return nil, fmt.Errorf("scoreboard runs: %w", err)
	}

	type key struct{ userID, problemID int64 }
	byPair := make(map[key][]*models.Run)
	for _, r := range runs {
		if !r.IsJudged() || r.IsPassed == nil || r.ProblemID == 0 {
			continue
		}
		k := key{r.UserID, r.ProblemID}
		byPair[k] = append(byPair[k], r)
	}

	rows := make([]Row, 0, len(defendants))
	for _, user := range defendants {
		row := Row{User: user, ProblemStates: make(map[string]bool, len(problems))}
		for _, problem := range problems {
			pairRuns := byPair[key{user.ID, problem.ID}]
			solved, penalty := scoreProblem(pairRuns)
			row.ProblemStates[problem.Slug] = solved
			if solved {
				row.NumSolved++
				row.Penalty += penalty
			}
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].NumSolved != rows[j].NumSolved {
			return rows[i].NumSolved > rows[j].NumSolved
		}
		return rows[i].Penalty < rows[j].Penalty
	})
	return rows, nil
}

// scoreProblem counts the failed submissions preceding the first accepted
// one. Unsolved problems contribute zero penalty. Runs arrive in
// submit_time order.
func scoreProblem(runs []*models.Run) (solved bool, penalty int) {
	for _, r := range runs {
		if *r.IsPassed {
			return true, penalty
		}
		penalty++
	}
	return false, 0
}

// Invalidate drops the cached standings for a contest and notifies
// listeners (the live-score push).
func (a *Aggregator) Invalidate(ctx context.Context, contestID int64) {
	a.cache.Del(ctx, contestID)

	a.mu.Lock()
	listeners := append([]func(int64){}, a.listeners...)
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(contestID)
	}
}

// AddListener registers a callback invoked after each invalidation.
func (a *Aggregator) AddListener(fn func(contestID int64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}
