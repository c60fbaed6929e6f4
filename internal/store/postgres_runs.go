package store

import (
	"context"
	"time"

	"github.com/code-court/courthouse/internal/models"
)

const runCols = `r.id, r.user_id, r.contest_id, r.language_id, r.problem_id,
	r.submit_time, r.local_submit_time, r.started_execing_time, r.finished_execing_time,
	r.source_code, r.run_input, r.correct_output, r.run_output,
	r.is_submission, r.is_passed, r.is_priority, r.state,
	l.id, l.name, l.syntax_mode, l.is_enabled, l.run_script, l.default_template`

func scanRun(scanner interface{ Scan(...interface{}) error }) (*models.Run, error) {
	var r models.Run
	var l models.Language
	var problemID *int64
	var state string
	err := scanner.Scan(&r.ID, &r.UserID, &r.ContestID, &r.LanguageID, &problemID,
		&r.SubmitTime, &r.LocalSubmitTime, &r.StartedExecingTime, &r.FinishedExecingTime,
		&r.SourceCode, &r.RunInput, &r.CorrectOutput, &r.RunOutput,
		&r.IsSubmission, &r.IsPassed, &r.IsPriority, &state,
		&l.ID, &l.Name, &l.SyntaxMode, &l.IsEnabled, &l.RunScript, &l.DefaultTemplate)
	if err != nil {
		return nil, mapErr(err)
	}
	if problemID != nil {
		r.ProblemID = *problemID
	}
	r.State = models.RunState(state)
	r.Language = &l
	return &r, nil
}

func (s *Postgres) CreateRun(ctx context.Context, r *models.Run) error {
	var problemID interface{}
	if r.ProblemID != 0 {
		problemID = r.ProblemID
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO run (user_id, contest_id, language_id, problem_id,
		    submit_time, local_submit_time, started_execing_time, finished_execing_time,
		    source_code, run_input, correct_output, run_output,
		    is_submission, is_passed, is_priority, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		r.UserID, r.ContestID, r.LanguageID, problemID,
		r.SubmitTime, r.LocalSubmitTime, r.StartedExecingTime, r.FinishedExecingTime,
		r.SourceCode, r.RunInput, r.CorrectOutput, r.RunOutput,
		r.IsSubmission, r.IsPassed, r.IsPriority, string(r.State),
	).Scan(&r.ID)
	return mapErr(err)
}

func (s *Postgres) RunByID(ctx context.Context, id int64) (*models.Run, error) {
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM run r JOIN language l ON l.id = r.language_id
		 WHERE r.id = $1`, id))
}

func (s *Postgres) NextPendingRun(ctx context.Context, priorityOnly bool) (*models.Run, error) {
	q := `SELECT ` + runCols + ` FROM run r JOIN language l ON l.id = r.language_id
		 WHERE r.started_execing_time IS NULL AND r.finished_execing_time IS NULL`
	if priorityOnly {
		q += ` AND r.is_priority`
	}
	q += ` ORDER BY r.submit_time ASC, r.id ASC LIMIT 1`
	return scanRun(s.db.QueryRowContext(ctx, q))
}

// LeaseRun conditionally stamps started_execing_time. Losing the race
// against a concurrent lease, a finish, or a clear yields ErrConflict.
func (s *Postgres) LeaseRun(ctx context.Context, runID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET started_execing_time = $1
		 WHERE id = $2 AND started_execing_time IS NULL AND finished_execing_time IS NULL`,
		now, runID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		if _, err := s.RunByID(ctx, runID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ClearLease releases a lease; it only succeeds while the run is
// unfinished, so it can never race a completed submit-writ.
func (s *Postgres) ClearLease(ctx context.Context, runID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET started_execing_time = NULL
		 WHERE id = $1 AND finished_execing_time IS NULL`, runID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		if _, err := s.RunByID(ctx, runID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// FinishRun records the verdict; the first completer wins.
func (s *Postgres) FinishRun(ctx context.Context, p FinishRunParams) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET run_output = $1, state = $2, is_passed = $3, finished_execing_time = $4
		 WHERE id = $5 AND finished_execing_time IS NULL`,
		p.Output, string(p.State), p.IsPassed, p.Finished, p.RunID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		if _, err := s.RunByID(ctx, p.RunID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// RejudgeRun clears the lifecycle fields and refreshes the judging data,
// returning the run to the unleased pool at its original submit_time.
func (s *Postgres) RejudgeRun(ctx context.Context, runID int64, runInput, correctOutput string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET started_execing_time = NULL, finished_execing_time = NULL,
		    run_output = '', is_passed = NULL, state = $1,
		    run_input = $2, correct_output = $3
		 WHERE id = $4`,
		string(models.StateJudging), runInput, correctOutput, runID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ResetOverdueRuns(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET started_execing_time = NULL
		 WHERE finished_execing_time IS NULL
		   AND started_execing_time IS NOT NULL
		   AND started_execing_time < $1`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), mapErr(err)
}

func (s *Postgres) CountRunsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM run WHERE user_id = $1 AND submit_time > $2`,
		userID, since).Scan(&n)
	return n, mapErr(err)
}

func (s *Postgres) RunsForUser(ctx context.Context, userID int64) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM run r JOIN language l ON l.id = r.language_id
		 WHERE r.user_id = $1 ORDER BY r.id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) SubmissionsForContest(ctx context.Context, contestID int64) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM run r JOIN language l ON l.id = r.language_id
		 WHERE r.contest_id = $1 AND r.is_submission
		 ORDER BY r.submit_time ASC, r.id ASC`, contestID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) PendingRunCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM run WHERE finished_execing_time IS NULL`).Scan(&n)
	return n, mapErr(err)
}
