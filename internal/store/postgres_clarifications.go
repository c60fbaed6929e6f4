package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/code-court/courthouse/internal/models"
)

const clarificationCols = `id, problem_id, initiating_user_id, subject, contents, thread, answer, is_public, creation_time`

func scanClarification(scanner interface{ Scan(...interface{}) error }) (*models.Clarification, error) {
	var c models.Clarification
	var problemID sql.NullInt64
	err := scanner.Scan(&c.ID, &problemID, &c.InitiatingUserID, &c.Subject,
		&c.Contents, &c.Thread, &c.Answer, &c.IsPublic, &c.CreationTime)
	if err != nil {
		return nil, mapErr(err)
	}
	if problemID.Valid {
		c.ProblemID = problemID.Int64
	}
	return &c, nil
}

func (s *Postgres) CreateClarification(ctx context.Context, c *models.Clarification) error {
	if c.CreationTime.IsZero() {
		c.CreationTime = time.Now().UTC()
	}
	var problemID interface{}
	if c.ProblemID != 0 {
		problemID = c.ProblemID
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO clarification (problem_id, initiating_user_id, subject, contents, thread, answer, is_public, creation_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		problemID, c.InitiatingUserID, c.Subject, c.Contents, c.Thread, c.Answer, c.IsPublic, c.CreationTime,
	).Scan(&c.ID)
	return mapErr(err)
}

func (s *Postgres) ClarificationByID(ctx context.Context, id int64) (*models.Clarification, error) {
	return scanClarification(s.db.QueryRowContext(ctx,
		`SELECT `+clarificationCols+` FROM clarification WHERE id = $1`, id))
}

func (s *Postgres) AnswerClarification(ctx context.Context, id int64, answer string, isPublic bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clarification SET answer = $1, is_public = $2 WHERE id = $3`,
		answer, isPublic, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) VisibleClarifications(ctx context.Context, userID int64) ([]*models.Clarification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clarificationCols+` FROM clarification
		 WHERE is_public OR initiating_user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
