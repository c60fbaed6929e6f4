package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/code-court/courthouse/internal/models"
)

// Postgres implements Store on a PostgreSQL database via database/sql.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and pings a connection for the given DSN
// (CODE_COURT_DB_URI).
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_account (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			hashed_password TEXT NOT NULL,
			creation_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			misc_data TEXT NOT NULL DEFAULT '{}',
			roles TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS contest (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			activate_time TIMESTAMPTZ,
			start_time TIMESTAMPTZ NOT NULL,
			freeze_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ NOT NULL,
			deactivate_time TIMESTAMPTZ,
			is_public BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS problem_type (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			eval_script TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS problem (
			id BIGSERIAL PRIMARY KEY,
			problem_type_id BIGINT NOT NULL REFERENCES problem_type(id),
			slug VARCHAR(200) NOT NULL UNIQUE,
			name TEXT NOT NULL,
			problem_statement TEXT NOT NULL DEFAULT '',
			sample_input TEXT NOT NULL DEFAULT '',
			sample_output TEXT NOT NULL DEFAULT '',
			secret_input TEXT NOT NULL DEFAULT '',
			secret_output TEXT NOT NULL DEFAULT '',
			is_enabled BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS language (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			syntax_mode TEXT NOT NULL DEFAULT '',
			is_enabled BOOLEAN NOT NULL DEFAULT true,
			run_script TEXT NOT NULL,
			default_template TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS run (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES user_account(id),
			contest_id BIGINT NOT NULL REFERENCES contest(id),
			language_id BIGINT NOT NULL REFERENCES language(id),
			problem_id BIGINT REFERENCES problem(id),
			submit_time TIMESTAMPTZ NOT NULL,
			local_submit_time TIMESTAMPTZ,
			started_execing_time TIMESTAMPTZ,
			finished_execing_time TIMESTAMPTZ,
			source_code TEXT NOT NULL,
			run_input TEXT NOT NULL DEFAULT '',
			correct_output TEXT NOT NULL DEFAULT '',
			run_output TEXT NOT NULL DEFAULT '',
			is_submission BOOLEAN NOT NULL DEFAULT false,
			is_passed BOOLEAN,
			is_priority BOOLEAN NOT NULL DEFAULT false,
			state TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contest_user (
			contest_id BIGINT NOT NULL REFERENCES contest(id),
			user_id BIGINT NOT NULL REFERENCES user_account(id),
			PRIMARY KEY (contest_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS contest_problem (
			contest_id BIGINT NOT NULL REFERENCES contest(id),
			problem_id BIGINT NOT NULL REFERENCES problem(id),
			PRIMARY KEY (contest_id, problem_id)
		)`,
		`CREATE TABLE IF NOT EXISTS clarification (
			id BIGSERIAL PRIMARY KEY,
			problem_id BIGINT REFERENCES problem(id),
			initiating_user_id BIGINT NOT NULL REFERENCES user_account(id),
			subject TEXT NOT NULL DEFAULT '',
			contents TEXT NOT NULL DEFAULT '',
			thread TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			is_public BOOLEAN NOT NULL DEFAULT false,
			creation_time TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS configuration (
			id BIGSERIAL PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			val TEXT NOT NULL,
			val_type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS run_dispatch_idx
			ON run (finished_execing_time, started_execing_time, is_priority, submit_time)`,
		`CREATE INDEX IF NOT EXISTS run_scoreboard_idx
			ON run (contest_id, is_submission)`,
		`CREATE INDEX IF NOT EXISTS run_user_submit_idx
			ON run (user_id, submit_time)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}

// mapErr converts driver errors into the store's failure taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return ErrIntegrity
		}
	}
	return err
}

// ----------------------------------------------------------------------------
// Users

func (s *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	if u.CreationTime.IsZero() {
		u.CreationTime = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO user_account (username, name, hashed_password, creation_time, misc_data, roles)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		u.Username, u.Name, u.HashedPassword, u.CreationTime, u.MiscDataJSON(), pq.Array(u.Roles),
	).Scan(&u.ID)
	return mapErr(err)
}

func (s *Postgres) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var miscData string
	var roles pq.StringArray
	err := row.Scan(&u.ID, &u.Username, &u.Name, &u.HashedPassword, &u.CreationTime, &miscData, &roles)
	if err != nil {
		return nil, mapErr(err)
	}
	u.Roles = []string(roles)
	if miscData != "" {
		_ = json.Unmarshal([]byte(miscData), &u.MiscData)
	}
	return &u, nil
}

const userCols = `id, username, name, hashed_password, creation_time, misc_data, roles`

func (s *Postgres) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM user_account WHERE id = $1`, id))
}

func (s *Postgres) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM user_account WHERE username = $1`, username))
}

func (s *Postgres) UpdateUserMiscData(ctx context.Context, id int64, miscData map[string]interface{}) error {
	u, err := s.UserByID(ctx, id)
	if err != nil {
		return err
	}
	u.MergeMiscData(miscData)
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_account SET misc_data = $1 WHERE id = $2`, u.MiscDataJSON(), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// Contests

func (s *Postgres) CreateContest(ctx context.Context, c *models.Contest) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO contest (name, activate_time, start_time, freeze_time, end_time, deactivate_time, is_public)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		c.Name, c.ActivateTime, c.StartTime, c.FreezeTime, c.EndTime, c.DeactivateTime, c.IsPublic,
	).Scan(&c.ID)
	return mapErr(err)
}

const contestCols = `id, name, activate_time, start_time, freeze_time, end_time, deactivate_time, is_public`

func scanContest(scanner interface{ Scan(...interface{}) error }) (*models.Contest, error) {
	var c models.Contest
	err := scanner.Scan(&c.ID, &c.Name, &c.ActivateTime, &c.StartTime,
		&c.FreezeTime, &c.EndTime, &c.DeactivateTime, &c.IsPublic)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Postgres) ContestByID(ctx context.Context, id int64) (*models.Contest, error) {
	return scanContest(s.db.QueryRowContext(ctx,
		`SELECT `+contestCols+` FROM contest WHERE id = $1`, id))
}

func (s *Postgres) ContestByName(ctx context.Context, name string) (*models.Contest, error) {
	return scanContest(s.db.QueryRowContext(ctx,
		`SELECT `+contestCols+` FROM contest WHERE name = $1`, name))
}

func (s *Postgres) AddUserToContest(ctx context.Context, userID, contestID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contest_user (contest_id, user_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, contestID, userID)
	return mapErr(err)
}

func (s *Postgres) AddProblemToContest(ctx context.Context, problemID, contestID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contest_problem (contest_id, problem_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, contestID, problemID)
	return mapErr(err)
}

func (s *Postgres) ContestsForUser(ctx context.Context, userID int64) ([]*models.Contest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.activate_time, c.start_time, c.freeze_time, c.end_time, c.deactivate_time, c.is_public
		 FROM contest c JOIN contest_user cu ON cu.contest_id = c.id
		 WHERE cu.user_id = $1 ORDER BY c.id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) ProblemsForContest(ctx context.Context, contestID int64) ([]*models.Problem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.problem_type_id, p.slug, p.name, p.problem_statement,
		        p.sample_input, p.sample_output, p.secret_input, p.secret_output, p.is_enabled
		 FROM problem p JOIN contest_problem cp ON cp.problem_id = p.id
		 WHERE cp.contest_id = $1 AND p.is_enabled ORDER BY p.id`, contestID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) DefendantsForContest(ctx context.Context, contestID int64) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.name, u.hashed_password, u.creation_time, u.misc_data, u.roles
		 FROM user_account u JOIN contest_user cu ON cu.user_id = u.id
		 WHERE cu.contest_id = $1 AND $2 = ANY(u.roles) ORDER BY u.id`,
		contestID, models.RoleDefendant)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.User
	for rows.Next() {
		var u models.User
		var miscData string
		var roles pq.StringArray
		if err := rows.Scan(&u.ID, &u.Username, &u.Name, &u.HashedPassword,
			&u.CreationTime, &miscData, &roles); err != nil {
			return nil, mapErr(err)
		}
		u.Roles = []string(roles)
		if miscData != "" {
			_ = json.Unmarshal([]byte(miscData), &u.MiscData)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *Postgres) ContestHasProblem(ctx context.Context, contestID, problemID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM contest_problem WHERE contest_id = $1 AND problem_id = $2)`,
		contestID, problemID).Scan(&exists)
	return exists, mapErr(err)
}

// ----------------------------------------------------------------------------
// Problems

func (s *Postgres) CreateProblemType(ctx context.Context, pt *models.ProblemType) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO problem_type (name, eval_script) VALUES ($1, $2) RETURNING id`,
		pt.Name, pt.EvalScript).Scan(&pt.ID)
	return mapErr(err)
}

func (s *Postgres) ProblemTypeByName(ctx context.Context, name string) (*models.ProblemType, error) {
	var pt models.ProblemType
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, eval_script FROM problem_type WHERE name = $1`, name).
		Scan(&pt.ID, &pt.Name, &pt.EvalScript)
	if err != nil {
		return nil, mapErr(err)
	}
	return &pt, nil
}

func (s *Postgres) CreateProblem(ctx context.Context, p *models.Problem) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO problem (problem_type_id, slug, name, problem_statement,
		    sample_input, sample_output, secret_input, secret_output, is_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		p.ProblemTypeID, p.Slug, p.Name, p.ProblemStatement,
		p.SampleInput, p.SampleOutput, p.SecretInput, p.SecretOutput, p.IsEnabled,
	).Scan(&p.ID)
	return mapErr(err)
}

const problemCols = `id, problem_type_id, slug, name, problem_statement,
	sample_input, sample_output, secret_input, secret_output, is_enabled`

func scanProblem(scanner interface{ Scan(...interface{}) error }) (*models.Problem, error) {
	var p models.Problem
	err := scanner.Scan(&p.ID, &p.ProblemTypeID, &p.Slug, &p.Name, &p.ProblemStatement,
		&p.SampleInput, &p.SampleOutput, &p.SecretInput, &p.SecretOutput, &p.IsEnabled)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Postgres) ProblemBySlug(ctx context.Context, slug string) (*models.Problem, error) {
	return scanProblem(s.db.QueryRowContext(ctx,
		`SELECT `+problemCols+` FROM problem WHERE slug = $1`, slug))
}

func (s *Postgres) ProblemByID(ctx context.Context, id int64) (*models.Problem, error) {
	return scanProblem(s.db.QueryRowContext(ctx,
		`SELECT `+problemCols+` FROM problem WHERE id = $1`, id))
}

// ----------------------------------------------------------------------------
// Languages

func (s *Postgres) CreateLanguage(ctx context.Context, l *models.Language) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO language (name, syntax_mode, is_enabled, run_script, default_template)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		l.Name, l.SyntaxMode, l.IsEnabled, l.RunScript, l.DefaultTemplate).Scan(&l.ID)
	return mapErr(err)
}

func (s *Postgres) LanguageByName(ctx context.Context, name string) (*models.Language, error) {
	var l models.Language
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, syntax_mode, is_enabled, run_script, default_template
		 FROM language WHERE name = $1`, name).
		Scan(&l.ID, &l.Name, &l.SyntaxMode, &l.IsEnabled, &l.RunScript, &l.DefaultTemplate)
	if err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}

func (s *Postgres) EnabledLanguages(ctx context.Context) ([]*models.Language, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, syntax_mode, is_enabled, run_script, default_template
		 FROM language WHERE is_enabled ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*models.Language
	for rows.Next() {
		var l models.Language
		if err := rows.Scan(&l.ID, &l.Name, &l.SyntaxMode, &l.IsEnabled,
			&l.RunScript, &l.DefaultTemplate); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Configuration

func (s *Postgres) SetConfiguration(ctx context.Context, c *models.Configuration) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO configuration (key, val, val_type, category)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET val = EXCLUDED.val,
		     val_type = EXCLUDED.val_type, category = EXCLUDED.category
		 RETURNING id`,
		c.Key, c.Val, c.ValType, c.Category).Scan(&c.ID)
	return mapErr(err)
}

func (s *Postgres) ConfigurationByKey(ctx context.Context, key string) (*models.Configuration, error) {
	var c models.Configuration
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key, val, val_type, category FROM configuration WHERE key = $1`, key).
		Scan(&c.ID, &c.Key, &c.Val, &c.ValType, &c.Category)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}
