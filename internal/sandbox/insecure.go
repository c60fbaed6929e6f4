package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/code-court/courthouse/internal/models"
)

// InsecureEngine runs jobs directly on the host with no isolation beyond
// the wall-clock and output limits. Development and tests only.
type InsecureEngine struct {
	shareDir string
	limits   Limits
	log      *slog.Logger
}

// NewInsecureEngine creates a host-execution engine rooted at shareBase.
func NewInsecureEngine(shareBase string, limits Limits, log *slog.Logger) (*InsecureEngine, error) {
	if shareBase == "" {
		shareBase = "share_data"
	}
	if log == nil {
		log = slog.Default()
	}
	limits.applyDefaults()

	abs, err := filepath.Abs(shareBase)
	if err != nil {
		return nil, fmt.Errorf("share dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("share dir: %w", err)
	}
	log.Warn("insecure sandbox enabled, writs run unisolated on this host")
	return &InsecureEngine{shareDir: abs, limits: limits, log: log}, nil
}

// Run executes the runner script on the host. Placeholders resolve to
// host paths and the share dir doubles as the scratch dir.
func (e *InsecureEngine) Run(ctx context.Context, job Job) (string, models.RunState, error) {
	// Placeholder paths are only known after the dir exists, so create it
	// with a stub runner and rewrite the runner afterwards.
	dir, err := newShareDir(e.shareDir, job, job.RunScript)
	if err != nil {
		return "", "", err
	}
	defer dir.cleanup()

	runner := substitutePlaceholders(job.RunScript,
		filepath.Join(dir.path, inputFileName),
		filepath.Join(dir.path, programFileName),
		dir.path,
	)
	if err := os.WriteFile(dir.runnerPath(), []byte(normalizeLineEndings(runner)), 0o755); err != nil {
		return "", "", fmt.Errorf("sandbox: write runner: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(e.limits.RunTimeoutSeconds)*time.Second)
	defer cancel()

	out := newCappedWriter(e.limits.OutputLimit, cancel)

	cmd := exec.CommandContext(runCtx, dir.runnerPath())
	cmd.Dir = dir.path
	cmd.Stdout = out
	cmd.Stderr = out
	// The runner gets its own process group so the timeout kills any
	// children it spawned, not just the script itself.
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	timedOut := runCtx.Err() == context.DeadlineExceeded && !out.Tripped()
	if runErr != nil && !timedOut && !out.Tripped() {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", "", fmt.Errorf("sandbox exec: %w", runErr)
		}
		// Nonzero exit is a verdict for the judge, not a sandbox failure.
	}

	output, state := classify(out, timedOut)
	e.log.Debug("sandbox run finished", "run_id", job.RunID, "language", job.Language, "state", string(state))
	return output, state, nil
}
