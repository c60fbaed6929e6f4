// Package store is the persistence layer for the courthouse. It exposes a
// single Store interface backed by either Postgres (production) or an
// in-memory implementation (tests and development).
//
// All run lifecycle transitions are conditional updates: leasing sets
// started_execing_time only while it is null, finishing sets
// finished_execing_time only while it is null, and clearing a lease only
// succeeds while the run is unfinished. Losers of these races observe
// ErrConflict.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/code-court/courthouse/internal/models"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a conditional update lost its race.
	ErrConflict = errors.New("store: conflict")
	// ErrIntegrity means a uniqueness or referential constraint was violated.
	ErrIntegrity = errors.New("store: integrity violation")
)

// FinishRunParams carries the completion write for a leased run.
type FinishRunParams struct {
	RunID    int64
	Output   string
	State    models.RunState
	IsPassed *bool
	Finished time.Time
}

// Store is the persistent record of users, contests, problems, languages,
// runs and configuration.
type Store interface {
	// Users and roles.
	CreateUser(ctx context.Context, u *models.User) error
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateUserMiscData(ctx context.Context, id int64, miscData map[string]interface{}) error

	// Contest membership and problem assignment.
	CreateContest(ctx context.Context, c *models.Contest) error
	ContestByID(ctx context.Context, id int64) (*models.Contest, error)
	ContestByName(ctx context.Context, name string) (*models.Contest, error)
	AddUserToContest(ctx context.Context, userID, contestID int64) error
	AddProblemToContest(ctx context.Context, problemID, contestID int64) error
	ContestsForUser(ctx context.Context, userID int64) ([]*models.Contest, error)
	ProblemsForContest(ctx context.Context, contestID int64) ([]*models.Problem, error)
	DefendantsForContest(ctx context.Context, contestID int64) ([]*models.User, error)
	ContestHasProblem(ctx context.Context, contestID, problemID int64) (bool, error)

	// Problems and problem types.
	CreateProblemType(ctx context.Context, pt *models.ProblemType) error
	ProblemTypeByName(ctx context.Context, name string) (*models.ProblemType, error)
	CreateProblem(ctx context.Context, p *models.Problem) error
	ProblemBySlug(ctx context.Context, slug string) (*models.Problem, error)
	ProblemByID(ctx context.Context, id int64) (*models.Problem, error)

	// Languages.
	CreateLanguage(ctx context.Context, l *models.Language) error
	LanguageByName(ctx context.Context, name string) (*models.Language, error)
	EnabledLanguages(ctx context.Context) ([]*models.Language, error)

	// Runs. NextPendingRun returns the oldest unleased, unfinished run
	// (priority runs only when priorityOnly is set), with the language
	// joined, or ErrNotFound. LeaseRun, ClearLease and FinishRun are the
	// conditional lifecycle transitions.
	CreateRun(ctx context.Context, r *models.Run) error
	RunByID(ctx context.Context, id int64) (*models.Run, error)
	NextPendingRun(ctx context.Context, priorityOnly bool) (*models.Run, error)
	LeaseRun(ctx context.Context, runID int64, now time.Time) error
	ClearLease(ctx context.Context, runID int64) error
	FinishRun(ctx context.Context, p FinishRunParams) error
	RejudgeRun(ctx context.Context, runID int64, runInput, correctOutput string) error
	ResetOverdueRuns(ctx context.Context, cutoff time.Time) (int, error)
	CountRunsSince(ctx context.Context, userID int64, since time.Time) (int, error)
	RunsForUser(ctx context.Context, userID int64) ([]*models.Run, error)
	SubmissionsForContest(ctx context.Context, contestID int64) ([]*models.Run, error)
	PendingRunCount(ctx context.Context) (int, error)

	// Clarifications. VisibleClarifications returns the public ones plus
	// the user's own, oldest first.
	CreateClarification(ctx context.Context, c *models.Clarification) error
	ClarificationByID(ctx context.Context, id int64) (*models.Clarification, error)
	AnswerClarification(ctx context.Context, id int64, answer string, isPublic bool) error
	VisibleClarifications(ctx context.Context, userID int64) ([]*models.Clarification, error)

	// Configuration.
	SetConfiguration(ctx context.Context, c *models.Configuration) error
	ConfigurationByKey(ctx context.Context, key string) (*models.Configuration, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
	Close() error
}
