// Package models defines the courthouse entities: users, contests,
// problems, languages, runs, and configuration rows. The object graph is
// navigated by integer ids; many-to-many links (contest membership,
// contest problems, user roles) are stored as explicit join records in
// the store rather than as owning references.
package models

import (
	"encoding/json"
	"time"
)

// RunState is the lifecycle state of a Run. The string values are shared
// with executors over the wire, so they must not change.
type RunState string

const (
	StateJudging             RunState = "Judging"
	StateExecuted            RunState = "Executed"
	StateSuccessful          RunState = "Successful"
	StateFailed              RunState = "Failed"
	StateContestHasNotBegun  RunState = "ContestHasNotBegun"
	StateContestEnded        RunState = "ContestEnded"
	StateTimedOut            RunState = "TimedOut"
	StateOutputLimitExceeded RunState = "OutputLimitExceeded"
	StateNoOutput            RunState = "NoOutput"
)

// TerminalExecutorStates are the states an executor may report with a
// submitted writ. Anything else from an executor is ignored and the run is
// treated as Executed.
var TerminalExecutorStates = map[RunState]bool{
	StateExecuted:            true,
	StateTimedOut:            true,
	StateOutputLimitExceeded: true,
	StateNoOutput:            true,
}

// User roles. Roles gate endpoint access; a user may hold several.
const (
	RoleDefendant   = "defendant"
	RoleOperator    = "operator"
	RoleJudge       = "judge"
	RoleExecutioner = "executioner"
	RoleObserver    = "observer"
)

// Language is a programming language executors know how to run.
// RunScript is a shell program containing the placeholder tokens
// $input_file, $program_file and $scratch_dir, substituted by the
// executor before execution.
type Language struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	SyntaxMode      string `json:"syntax_mode"`
	IsEnabled       bool   `json:"is_enabled"`
	RunScript       string `json:"run_script"`
	DefaultTemplate string `json:"default_template,omitempty"`
}

// ProblemType classifies problems by how they are evaluated. Only
// "input-output" is judged by the built-in comparator; EvalScript is
// reserved for future problem types.
type ProblemType struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	EvalScript string `json:"eval_script"`
}

// Problem is a contest problem with sample and secret test data. Secret
// fields must never be serialized to contestants or executors.
type Problem struct {
	ID               int64  `json:"id"`
	ProblemTypeID    int64  `json:"-"`
	Slug             string `json:"slug"`
	Name             string `json:"name"`
	ProblemStatement string `json:"problem_statement"`
	SampleInput      string `json:"sample_input"`
	SampleOutput     string `json:"sample_output"`
	SecretInput      string `json:"-"`
	SecretOutput     string `json:"-"`
	IsEnabled        bool   `json:"is_enabled"`
}

// User is a courthouse account. Roles control endpoint access; MiscData
// is an opaque JSON object holding email, signup fields, signout markers
// and similar metadata.
type User struct {
	ID             int64                  `json:"id"`
	Username       string                 `json:"username"`
	Name           string                 `json:"name"`
	HashedPassword string                 `json:"-"`
	CreationTime   time.Time              `json:"creation_time"`
	MiscData       map[string]interface{} `json:"misc_data,omitempty"`
	Roles          []string               `json:"user_roles"`
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MergeMiscData merges the given keys into the user's metadata,
// overwriting existing keys.
func (u *User) MergeMiscData(data map[string]interface{}) {
	if u.MiscData == nil {
		u.MiscData = make(map[string]interface{}, len(data))
	}
	for k, v := range data {
		u.MiscData[k] = v
	}
}

// MiscDataJSON renders the metadata for storage.
func (u *User) MiscDataJSON() string {
	if len(u.MiscData) == 0 {
		return "{}"
	}
	b, err := json.Marshal(u.MiscData)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Contest is a time-windowed competition. Invariants:
// activate <= start < end, and when set start <= freeze <= end <= deactivate.
type Contest struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	ActivateTime   *time.Time `json:"activate_time,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	FreezeTime     *time.Time `json:"freeze_time,omitempty"`
	EndTime        time.Time  `json:"end_time"`
	DeactivateTime *time.Time `json:"deactivate_time,omitempty"`
	IsPublic       bool       `json:"is_public"`
}

// ValidateWindow checks the contest time invariants.
func (c *Contest) ValidateWindow() bool {
	if !c.StartTime.Before(c.EndTime) {
		return false
	}
	if c.ActivateTime != nil && c.ActivateTime.After(c.StartTime) {
		return false
	}
	if c.FreezeTime != nil {
		if c.FreezeTime.Before(c.StartTime) || c.FreezeTime.After(c.EndTime) {
			return false
		}
	}
	if c.DeactivateTime != nil && c.DeactivateTime.Before(c.EndTime) {
		return false
	}
	return true
}

// Run records one source-code submission against one problem. It is
// append-once except for the lease/verdict fields, which transition
// through the queue, the writ endpoints and the reaper via conditional
// updates in the store.
type Run struct {
	ID                  int64      `json:"id"`
	UserID              int64      `json:"user_id"`
	ContestID           int64      `json:"contest_id"`
	LanguageID          int64      `json:"-"`
	ProblemID           int64      `json:"problem_id"`
	SubmitTime          time.Time  `json:"submit_time"`
	LocalSubmitTime     *time.Time `json:"local_submit_time,omitempty"`
	StartedExecingTime  *time.Time `json:"started_execing_time,omitempty"`
	FinishedExecingTime *time.Time `json:"finished_execing_time,omitempty"`
	SourceCode          string     `json:"source_code"`
	RunInput            string     `json:"-"`
	CorrectOutput       string     `json:"-"`
	RunOutput           string     `json:"run_output,omitempty"`
	IsSubmission        bool       `json:"is_submission"`
	IsPassed            *bool      `json:"is_passed,omitempty"`
	IsPriority          bool       `json:"is_priority"`
	State               RunState   `json:"state"`

	// Loaded by store queries that join the language table; nil otherwise.
	Language *Language `json:"-"`
}

// IsJudging reports whether the run is currently leased to an executor.
func (r *Run) IsJudging() bool {
	return r.StartedExecingTime != nil && r.FinishedExecingTime == nil
}

// IsJudged reports whether execution has finished.
func (r *Run) IsJudged() bool {
	return r.FinishedExecingTime != nil
}

// Clarification is a contestant question about a problem, or about the
// contest in general when ProblemID is zero. Follow-ups share the
// originating question's thread id. Contestant questions start private;
// answering one may publish it to everyone.
type Clarification struct {
	ID               int64     `json:"id"`
	ProblemID        int64     `json:"problem_id,omitempty"`
	InitiatingUserID int64     `json:"initiating_user_id"`
	Subject          string    `json:"subject"`
	Contents         string    `json:"contents"`
	Thread           string    `json:"thread"`
	Answer           string    `json:"answer,omitempty"`
	IsPublic         bool      `json:"is_public"`
	CreationTime     time.Time `json:"creation_time"`
}

// ConfigType enumerates the coercion types of configuration values.
const (
	ConfigInteger = "integer"
	ConfigBool    = "bool"
	ConfigString  = "string"
	ConfigJSON    = "json"
)

// Configuration is a runtime-tunable key/value pair. Val is stored as a
// string and coerced according to ValType by the config accessor.
type Configuration struct {
	ID       int64  `json:"id"`
	Key      string `json:"key"`
	Val      string `json:"val"`
	ValType  string `json:"valType"`
	Category string `json:"category"`
}
