package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Container-side paths the run script placeholders resolve to. The share
// directory is bind-mounted read-only; /scratch is a writable tmpfs.
const (
	containerShareDir   = "/share"
	containerInputPath  = "/share/input"
	containerProgram    = "/share/program"
	containerScratchDir = "/scratch"
	runnerFileName      = "runner"
	inputFileName       = "input"
	programFileName     = "program"
)

// shareDir holds the materialized files for one execution.
type shareDir struct {
	path string
}

// newShareDir creates share_data/<run_id>-<language>-<uuid> under baseDir
// and writes the runner, program and input files into it. Line endings
// are normalized to LF before anything touches the sandbox.
func newShareDir(baseDir string, job Job, runnerScript string) (*shareDir, error) {
	name := fmt.Sprintf("%d-%s-%s", job.RunID, sanitizeName(job.Language), uuid.New())
	path := filepath.Join(baseDir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create share dir: %w", err)
	}

	d := &shareDir{path: path}
	files := []struct {
		name string
		body string
		mode os.FileMode
	}{
		{runnerFileName, normalizeLineEndings(runnerScript), 0o755},
		{programFileName, normalizeLineEndings(job.SourceCode), 0o755},
		{inputFileName, normalizeLineEndings(job.Input), 0o755},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(path, f.name), []byte(f.body), f.mode); err != nil {
			d.cleanup()
			return nil, fmt.Errorf("sandbox: write %s: %w", f.name, err)
		}
	}
	return d, nil
}

func (d *shareDir) cleanup() {
	if d.path != "" {
		_ = os.RemoveAll(d.path)
	}
}

func (d *shareDir) runnerPath() string { return filepath.Join(d.path, runnerFileName) }

// substitutePlaceholders fills the run script's $input_file, $program_file
// and $scratch_dir markers with concrete paths.
func substitutePlaceholders(script, inputPath, programPath, scratchDir string) string {
	r := strings.NewReplacer(
		"$input_file", inputPath,
		"$program_file", programPath,
		"$scratch_dir", scratchDir,
	)
	return r.Replace(script)
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// sanitizeName keeps directory names shell-safe for languages like "c++".
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
