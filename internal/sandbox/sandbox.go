// Package sandbox executes writs in isolation. The Docker engine is the
// default: it runs the language's runner script inside a locked-down
// container with time, memory, pid, cpu and output bounds. The Insecure
// engine runs the script directly on the host and exists only for tests
// and development.
package sandbox

import (
	"context"
	"errors"
	"sync"

	"github.com/code-court/courthouse/internal/models"
)

// Job is the unit of work an engine executes: one writ's script, source
// and input.
type Job struct {
	RunID      int64
	Language   string
	RunScript  string
	SourceCode string
	Input      string
}

// Engine runs a job and reports the captured output plus a terminal
// state. A non-nil error means the sandbox itself failed (docker API,
// filesystem); the caller must return the writ without a run rather than
// fabricate a verdict.
type Engine interface {
	Run(ctx context.Context, job Job) (output string, state models.RunState, err error)
}

// Outputs recorded for the abnormal terminal states. The exact strings
// are part of the executor protocol.
const (
	TimedOutOutput            = "Error: Timed out"
	OutputLimitExceededOutput = "Error: Output limit exceeded"
)

// Limits bounds one sandboxed execution.
type Limits struct {
	RunTimeoutSeconds int   // wall clock, default 5
	MemoryBytes       int64 // default 128 MiB
	PidLimit          int64 // default 50
	CPUPeriod         int64 // default 500000
	OutputLimit       int   // chars, default 100000
}

// DefaultLimits are the stock executor bounds.
func DefaultLimits() Limits {
	return Limits{
		RunTimeoutSeconds: 5,
		MemoryBytes:       128 * 1024 * 1024,
		PidLimit:          50,
		CPUPeriod:         500000,
		OutputLimit:       100000,
	}
}

func (l *Limits) applyDefaults() {
	d := DefaultLimits()
	if l.RunTimeoutSeconds <= 0 {
		l.RunTimeoutSeconds = d.RunTimeoutSeconds
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.PidLimit <= 0 {
		l.PidLimit = d.PidLimit
	}
	if l.CPUPeriod <= 0 {
		l.CPUPeriod = d.CPUPeriod
	}
	if l.OutputLimit <= 0 {
		l.OutputLimit = d.OutputLimit
	}
}

// errOutputLimit aborts streaming once the accumulated output exceeds the
// cap.
var errOutputLimit = errors.New("sandbox: output limit exceeded")

// cappedWriter accumulates output up to a limit, then fails the write and
// fires onLimit (used to kill the producing process).
type cappedWriter struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	tripped bool
	onLimit func()
}

func newCappedWriter(limit int, onLimit func()) *cappedWriter {
	return &cappedWriter{limit: limit, onLimit: onLimit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tripped {
		return 0, errOutputLimit
	}
	if len(w.buf)+len(p) > w.limit {
		w.tripped = true
		if w.onLimit != nil {
			w.onLimit()
		}
		return 0, errOutputLimit
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *cappedWriter) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

func (w *cappedWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// classify maps a finished stream to the terminal writ state. The
// outcomes are mutually exclusive: timeout wins over the output cap,
// which wins over the empty-output check.
func classify(out *cappedWriter, timedOut bool) (string, models.RunState) {
	switch {
	case timedOut:
		return TimedOutOutput, models.StateTimedOut
	case out.Tripped():
		return OutputLimitExceededOutput, models.StateOutputLimitExceeded
	case out.Len() == 0:
		return "", models.StateNoOutput
	default:
		return out.String(), models.StateExecuted
	}
}
