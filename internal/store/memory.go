package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/code-court/courthouse/internal/models"
)

// Memory is an in-process Store used by tests and by `--db memory`
// development mode. It applies the same conditional-update discipline as
// the Postgres implementation so that lease races behave identically.
type Memory struct {
	mu sync.RWMutex

	nextID int64

	users          map[int64]*models.User
	usersByName    map[string]int64
	contests       map[int64]*models.Contest
	problems       map[int64]*models.Problem
	problemTypes   map[int64]*models.ProblemType
	languages      map[int64]*models.Language
	runs           map[int64]*models.Run
	clarifications map[int64]*models.Clarification
	configs        map[string]*models.Configuration

	contestUsers    map[int64]map[int64]bool // contestID -> userIDs
	contestProblems map[int64]map[int64]bool // contestID -> problemIDs
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:           make(map[int64]*models.User),
		usersByName:     make(map[string]int64),
		contests:        make(map[int64]*models.Contest),
		problems:        make(map[int64]*models.Problem),
		problemTypes:    make(map[int64]*models.ProblemType),
		languages:       make(map[int64]*models.Language),
		runs:            make(map[int64]*models.Run),
		clarifications:  make(map[int64]*models.Clarification),
		configs:         make(map[string]*models.Configuration),
		contestUsers:    make(map[int64]map[int64]bool),
		contestProblems: make(map[int64]map[int64]bool),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// ----------------------------------------------------------------------------
// Users

func (m *Memory) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usersByName[u.Username]; ok {
		return ErrIntegrity
	}
	u.ID = m.id()
	if u.CreationTime.IsZero() {
		u.CreationTime = time.Now().UTC()
	}
	cp := *u
	m.users[u.ID] = &cp
	m.usersByName[u.Username] = u.ID
	return nil
}

func copyUser(u *models.User) *models.User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	if u.MiscData != nil {
		cp.MiscData = make(map[string]interface{}, len(u.MiscData))
		for k, v := range u.MiscData {
			cp.MiscData[k] = v
		}
	}
	return &cp
}

func (m *Memory) UserByID(ctx context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *Memory) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByName[username]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

func (m *Memory) UpdateUserMiscData(ctx context.Context, id int64, miscData map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.MergeMiscData(miscData)
	return nil
}

// ----------------------------------------------------------------------------
// Contests

func (m *Memory) CreateContest(ctx context.Context, c *models.Contest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.contests {
		if existing.Name == c.Name {
			return ErrIntegrity
		}
	}
	c.ID = m.id()
	cp := *c
	m.contests[c.ID] = &cp
	return nil
}

func (m *Memory) ContestByID(ctx context.Context, id int64) (*models.Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ContestByName(ctx context.Context, name string) (*models.Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.contests {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) AddUserToContest(ctx context.Context, userID, contestID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.contests[contestID]; !ok {
		return ErrNotFound
	}
	if m.contestUsers[contestID] == nil {
		m.contestUsers[contestID] = make(map[int64]bool)
	}
	m.contestUsers[contestID][userID] = true
	return nil
}

func (m *Memory) AddProblemToContest(ctx context.Context, problemID, contestID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.problems[problemID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.contests[contestID]; !ok {
		return ErrNotFound
	}
	if m.contestProblems[contestID] == nil {
		m.contestProblems[contestID] = make(map[int64]bool)
	}
	m.contestProblems[contestID][problemID] = true
	return nil
}

func (m *Memory) ContestsForUser(ctx context.Context, userID int64) ([]*models.Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Contest
	for contestID, members := range m.contestUsers {
		if members[userID] {
			cp := *m.contests[contestID]
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ProblemsForContest(ctx context.Context, contestID int64) ([]*models.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Problem
	for problemID := range m.contestProblems[contestID] {
		p := m.problems[problemID]
		if p.IsEnabled {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DefendantsForContest(ctx context.Context, contestID int64) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.User
	for userID := range m.contestUsers[contestID] {
		u := m.users[userID]
		if u.HasRole(models.RoleDefendant) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ContestHasProblem(ctx context.Context, contestID, problemID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contestProblems[contestID][problemID], nil
}

// ----------------------------------------------------------------------------
// Problems and problem types

func (m *Memory) CreateProblemType(ctx context.Context, pt *models.ProblemType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.problemTypes {
		if existing.Name == pt.Name {
			return ErrIntegrity
		}
	}
	pt.ID = m.id()
	cp := *pt
	m.problemTypes[pt.ID] = &cp
	return nil
}

func (m *Memory) ProblemTypeByName(ctx context.Context, name string) (*models.ProblemType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pt := range m.problemTypes {
		if pt.Name == name {
			cp := *pt
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateProblem(ctx context.Context, p *models.Problem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.problems {
		if existing.Slug == p.Slug {
			return ErrIntegrity
		}
	}
	p.ID = m.id()
	cp := *p
	m.problems[p.ID] = &cp
	return nil
}

func (m *Memory) ProblemBySlug(ctx context.Context, slug string) (*models.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.problems {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ProblemByID(ctx context.Context, id int64) (*models.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.problems[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ----------------------------------------------------------------------------
// Languages

func (m *Memory) CreateLanguage(ctx context.Context, l *models.Language) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.languages {
		if existing.Name == l.Name {
			return ErrIntegrity
		}
	}
	l.ID = m.id()
	cp := *l
	m.languages[l.ID] = &cp
	return nil
}

func (m *Memory) LanguageByName(ctx context.Context, name string) (*models.Language, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.languages {
		if l.Name == name {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) EnabledLanguages(ctx context.Context) ([]*models.Language, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Language
	for _, l := range m.languages {
		if l.IsEnabled {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ----------------------------------------------------------------------------
// Runs

func copyRun(r *models.Run) *models.Run {
	cp := *r
	if r.StartedExecingTime != nil {
		t := *r.StartedExecingTime
		cp.StartedExecingTime = &t
	}
	if r.FinishedExecingTime != nil {
		t := *r.FinishedExecingTime
		cp.FinishedExecingTime = &t
	}
	if r.IsPassed != nil {
		b := *r.IsPassed
		cp.IsPassed = &b
	}
	return &cp
}

func (m *Memory) CreateRun(ctx context.Context, r *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[r.UserID]; !ok {
		return ErrIntegrity
	}
	if _, ok := m.languages[r.LanguageID]; !ok {
		return ErrIntegrity
	}
	r.ID = m.id()
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *Memory) RunByID(ctx context.Context, id int64) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyRun(r)
	if lang, ok := m.languages[r.LanguageID]; ok {
		lcp := *lang
		cp.Language = &lcp
	}
	return cp, nil
}

func (m *Memory) NextPendingRun(ctx context.Context, priorityOnly bool) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chosen *models.Run
	for _, r := range m.runs {
		if r.StartedExecingTime != nil || r.FinishedExecingTime != nil {
			continue
		}
		if priorityOnly && !r.IsPriority {
			continue
		}
		if chosen == nil ||
			r.SubmitTime.Before(chosen.SubmitTime) ||
			(r.SubmitTime.Equal(chosen.SubmitTime) && r.ID < chosen.ID) {
			chosen = r
		}
	}
	if chosen == nil {
		return nil, ErrNotFound
	}
	cp := copyRun(chosen)
	if lang, ok := m.languages[chosen.LanguageID]; ok {
		lcp := *lang
		cp.Language = &lcp
	}
	return cp, nil
}

func (m *Memory) LeaseRun(ctx context.Context, runID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.StartedExecingTime != nil || r.FinishedExecingTime != nil {
		return ErrConflict
	}
	t := now
	r.StartedExecingTime = &t
	return nil
}

func (m *Memory) ClearLease(ctx context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if r.FinishedExecingTime != nil {
		return ErrConflict
	}
	r.StartedExecingTime = nil
	return nil
}

func (m *Memory) FinishRun(ctx context.Context, p FinishRunParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[p.RunID]
	if !ok {
		return ErrNotFound
	}
	if r.FinishedExecingTime != nil {
		return ErrConflict
	}
	r.RunOutput = p.Output
	r.State = p.State
	if p.IsPassed != nil {
		b := *p.IsPassed
		r.IsPassed = &b
	}
	t := p.Finished
	r.FinishedExecingTime = &t
	return nil
}

func (m *Memory) RejudgeRun(ctx context.Context, runID int64, runInput, correctOutput string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.StartedExecingTime = nil
	r.FinishedExecingTime = nil
	r.RunOutput = ""
	r.IsPassed = nil
	r.State = models.StateJudging
	r.RunInput = runInput
	r.CorrectOutput = correctOutput
	return nil
}

func (m *Memory) ResetOverdueRuns(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.FinishedExecingTime == nil && r.StartedExecingTime != nil &&
			r.StartedExecingTime.Before(cutoff) {
			r.StartedExecingTime = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountRunsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runs {
		if r.UserID == userID && r.SubmitTime.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RunsForUser(ctx context.Context, userID int64) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Run
	for _, r := range m.runs {
		if r.UserID == userID {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SubmissionsForContest(ctx context.Context, contestID int64) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Run
	for _, r := range m.runs {
		if r.ContestID == contestID && r.IsSubmission {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmitTime.Equal(out[j].SubmitTime) {
			return out[i].SubmitTime.Before(out[j].SubmitTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PendingRunCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runs {
		if r.FinishedExecingTime == nil {
			n++
		}
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Clarifications

func (m *Memory) CreateClarification(ctx context.Context, c *models.Clarification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[c.InitiatingUserID]; !ok {
		return ErrIntegrity
	}
	if c.ProblemID != 0 {
		if _, ok := m.problems[c.ProblemID]; !ok {
			return ErrIntegrity
		}
	}
	c.ID = m.id()
	if c.CreationTime.IsZero() {
		c.CreationTime = time.Now().UTC()
	}
	cp := *c
	m.clarifications[c.ID] = &cp
	return nil
}

func (m *Memory) ClarificationByID(ctx context.Context, id int64) (*models.Clarification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clarifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) AnswerClarification(ctx context.Context, id int64, answer string, isPublic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clarifications[id]
	if !ok {
		return ErrNotFound
	}
	c.Answer = answer
	c.IsPublic = isPublic
	return nil
}

func (m *Memory) VisibleClarifications(ctx context.Context, userID int64) ([]*models.Clarification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Clarification
	for _, c := range m.clarifications {
		if c.IsPublic || c.InitiatingUserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ----------------------------------------------------------------------------
// Configuration

func (m *Memory) SetConfiguration(ctx context.Context, c *models.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.configs[c.Key]; ok {
		existing.Val = c.Val
		existing.ValType = c.ValType
		existing.Category = c.Category
		return nil
	}
	c.ID = m.id()
	cp := *c
	m.configs[c.Key] = &cp
	return nil
}

func (m *Memory) ConfigurationByKey(ctx context.Context, key string) (*models.Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
