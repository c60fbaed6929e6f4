package scoreboard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-court/courthouse/internal/models"
	"github.com/code-court/courthouse/internal/store"
)

type board struct {
	st      *store.Memory
	agg     *Aggregator
	cache   *LocalCache
	contest *models.Contest
	langID  int64
	users   map[string]*models.User
	probs   map[string]*models.Problem
	clock   time.Time
}

func newBoard(t *testing.T) *board {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	cache := NewLocalCache()

	contest := &models.Contest{
		Name:      "finals",
		StartTime: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC),
		IsPublic:  true,
	}
	require.NoError(t, st.CreateContest(ctx, contest))
	lang := &models.Language{Name: "python", IsEnabled: true}
	require.NoError(t, st.CreateLanguage(ctx, lang))

	return &board{
		st:      st,
		agg:     New(st, cache, nil),
		cache:   cache,
		contest: contest,
		langID:  lang.ID,
		users:   make(map[string]*models.User),
		probs:   make(map[string]*models.Problem),
		clock:   contest.StartTime,
	}
}

func (b *board) addUser(t *testing.T, username string) {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Username: username, Name: username, Roles: []string{models.RoleDefendant}}
	require.NoError(t, b.st.CreateUser(ctx, u))
	require.NoError(t, b.st.AddUserToContest(ctx, u.ID, b.contest.ID))
	b.users[username] = u
}

func (b *board) addProblem(t *testing.T, slug string) {
	t.Helper()
	ctx := context.Background()
	p := &models.Problem{Slug: slug, Name: slug, IsEnabled: true}
	require.NoError(t, b.st.CreateProblem(ctx, p))
	require.NoError(t, b.st.AddProblemToContest(ctx, p.ID, b.contest.ID))
	b.probs[slug] = p
}

// judge records a judged submission; the clock advances so submit order is
// deterministic.
func (b *board) judge(t *testing.T, username, slug string, passed bool) *models.Run {
	t.Helper()
	ctx := context.Background()
	b.clock = b.clock.Add(time.Minute)

	run := &models.Run{
		UserID:       b.users[username].ID,
		ContestID:    b.contest.ID,
		LanguageID:   b.langID,
		ProblemID:    b.probs[slug].ID,
		SubmitTime:   b.clock,
		IsSubmission: true,
		State:        models.StateJudging,
	}
	require.NoError(t, b.st.CreateRun(ctx, run))
	require.NoError(t, b.st.LeaseRun(ctx, run.ID, b.clock))

	state := models.StateFailed
	if passed {
		state = models.StateSuccessful
	}
	p := passed
	require.NoError(t, b.st.FinishRun(ctx, store.FinishRunParams{
		RunID: run.ID, State: state, IsPassed: &p, Finished: b.clock.Add(time.Second),
	}))
	return run
}

func rowFor(rows []Row, username string) (Row, bool) {
	for _, r := range rows {
		if r.User.Username == username {
			return r, true
		}
	}
	return Row{}, false
}

func TestScoresPenaltyAndSolved(t *testing.T) {
	b := newBoard(t)
	b.addUser(t, "alice")
	b.addProblem(t, "fizzbuzz")
	b.addProblem(t, "fibonacci")

	// Two failures before the accept, then a failure after it.
	b.judge(t, "alice", "fizzbuzz", false)
	b.judge(t, "alice", "fizzbuzz", false)
	b.judge(t, "alice", "fizzbuzz", true)
	b.judge(t, "alice", "fizzbuzz", false)

	// Unsolved problems contribute no penalty.
	b.judge(t, "alice", "fibonacci", false)

	rows, err := b.agg.Scores(context.Background(), b.contest.ID)
	require.NoError(t, err)
	row, ok := rowFor(rows, "alice")
	require.True(t, ok)

	assert.Equal(t, 1, row.NumSolved)
	assert.Equal(t, 2, row.Penalty, "only failures before the first accept count")
	assert.True(t, row.ProblemStates["fizzbuzz"])
	assert.False(t, row.ProblemStates["fibonacci"])
}

func TestScoresSortOrder(t *testing.T) {
	b := newBoard(t)
	b.addUser(t, "alice")
	b.addUser(t, "bob")
	b.addUser(t, "carol")
	b.addProblem(t, "p1")
	b.addProblem(t, "p2")

	// alice: 2 solved. bob: 1 solved, penalty 0. carol: 1 solved, penalty 2.
	b.judge(t, "alice", "p1", true)
	b.judge(t, "alice", "p2", true)
	b.judge(t, "bob", "p1", true)
	b.judge(t, "carol", "p1", false)
	b.judge(t, "carol", "p1", false)
	b.judge(t, "carol", "p1", true)

	rows, err := b.agg.Scores(context.Background(), b.contest.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "alice", rows[0].User.Username)
	assert.Equal(t, "bob", rows[1].User.Username, "equal solved ranks by lower penalty")
	assert.Equal(t, "carol", rows[2].User.Username)
}

func TestScoresIgnoresTestRunsAndUnjudged(t *testing.T) {
	b := newBoard(t)
	b.addUser(t, "alice")
	b.addProblem(t, "p1")
	ctx := context.Background()

	// A passing test run (not a submission) must not count.
	b.clock = b.clock.Add(time.Minute)
	testRun := &models.Run{
		UserID: b.users["alice"].ID, ContestID: b.contest.ID, LanguageID: b.langID,
		ProblemID: b.probs["p1"].ID, SubmitTime: b.clock, State: models.StateJudging,
	}
	require.NoError(t, b.st.CreateRun(ctx, testRun))

	// A pending submission must not count either.
	pending := &models.Run{
		UserID: b.users["alice"].ID, ContestID: b.contest.ID, LanguageID: b.langID,
		ProblemID: b.probs["p1"].ID, SubmitTime: b.clock, IsSubmission: true, State: models.StateJudging,
	}
	require.NoError(t, b.st.CreateRun(ctx, pending))

	rows, err := b.agg.Scores(ctx, b.contest.ID)
	require.NoError(t, err)
	row, ok := rowFor(rows, "alice")
	require.True(t, ok)
	assert.Zero(t, row.NumSolved)
	assert.Zero(t, row.Penalty)
	assert.False(t, row.ProblemStates["p1"])
}

func TestScoresCacheAndInvalidate(t *testing.T) {
	b := newBoard(t)
	b.addUser(t, "alice")
	b.addProblem(t, "p1")
	ctx := context.Background()

	rows, err := b.agg.Scores(ctx, b.contest.ID)
	require.NoError(t, err)
	row, _ := rowFor(rows, "alice")
	require.Zero(t, row.NumSolved)

	// The accept lands; a cached read is stale until invalidation.
	b.judge(t, "alice", "p1", true)
	rows, err = b.agg.Scores(ctx, b.contest.ID)
	require.NoError(t, err)
	row, _ = rowFor(rows, "alice")
	assert.Zero(t, row.NumSolved, "cached standings served until invalidated")

	b.agg.Invalidate(ctx, b.contest.ID)
	rows, err = b.agg.Scores(ctx, b.contest.ID)
	require.NoError(t, err)
	row, _ = rowFor(rows, "alice")
	assert.Equal(t, 1, row.NumSolved)
}

func TestInvalidateNotifiesListeners(t *testing.T) {
	b := newBoard(t)
	var got []int64
	b.agg.AddListener(func(contestID int64) { got = append(got, contestID) })

	b.agg.Invalidate(context.Background(), b.contest.ID)
	assert.Equal(t, []int64{b.contest.ID}, got)
}

func TestScoresUnknownContest(t *testing.T) {
	b := newBoard(t)
	_, err := b.agg.Scores(context.Background(), 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	client := &fakeRedis{data: make(map[string][]byte)}
	cache := NewRedisCache(client, "", 0)
	ctx := context.Background()

	_, ok := cache.Get(ctx, 1)
	assert.False(t, ok)

	rows := []Row{{User: &models.User{Username: "alice"}, NumSolved: 2, Penalty: 1,
		ProblemStates: map[string]bool{"p1": true}}}
	cache.Set(ctx, 1, rows)

	got, ok := cache.Get(ctx, 1)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].User.Username)
	assert.Equal(t, 2, got[0].NumSolved)

	cache.Del(ctx, 1)
	_, ok = cache.Get(ctx, 1)
	assert.False(t, ok)
}

type fakeRedis struct {
	data map[string][]byte
}

func (f *fakeRedis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return v, nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}
