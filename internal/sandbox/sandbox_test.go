package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-court/courthouse/internal/models"
)

func TestSubstitutePlaceholders(t *testing.T) {
	script := "#!/bin/bash\ncat $input_file | python3 $program_file\ncd $scratch_dir"
	got := substitutePlaceholders(script, "/share/input", "/share/program", "/scratch")
	assert.Equal(t, "#!/bin/bash\ncat /share/input | python3 /share/program\ncd /scratch", got)
	assert.NotContains(t, got, "$input_file")
}

func TestShareDirLayout(t *testing.T) {
	base := t.TempDir()
	job := Job{RunID: 42, Language: "c++", RunScript: "run\r\nme", SourceCode: "int main(){}\r\n", Input: "15"}

	dir, err := newShareDir(base, job, job.RunScript)
	require.NoError(t, err)
	defer dir.cleanup()

	assert.True(t, strings.HasPrefix(filepath.Base(dir.path), "42-c__-"), "slug-safe dir name, got %s", dir.path)

	runner, err := os.ReadFile(dir.runnerPath())
	require.NoError(t, err)
	assert.Equal(t, "run\nme", string(runner), "CRLF normalised")

	info, err := os.Stat(dir.runnerPath())
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.NotZero(t, info.Mode()&0o100, "runner must be executable")
	}

	program, err := os.ReadFile(filepath.Join(dir.path, programFileName))
	require.NoError(t, err)
	assert.Equal(t, "int main(){}\n", string(program))

	input, err := os.ReadFile(filepath.Join(dir.path, inputFileName))
	require.NoError(t, err)
	assert.Equal(t, "15", string(input))

	dir.cleanup()
	_, err = os.Stat(dir.path)
	assert.True(t, os.IsNotExist(err), "cleanup removes the share dir")
}

func TestCappedWriter(t *testing.T) {
	tripped := false
	w := newCappedWriter(10, func() { tripped = true })

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = w.Write([]byte("world!"))
	assert.ErrorIs(t, err, errOutputLimit)
	assert.True(t, w.Tripped())
	assert.True(t, tripped)
	assert.Equal(t, "hello", w.String(), "nothing past the cap is kept")

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, errOutputLimit, "a tripped writer stays tripped")
}

func TestClassify(t *testing.T) {
	fill := func(s string) *cappedWriter {
		w := newCappedWriter(100, nil)
		_, _ = w.Write([]byte(s))
		return w
	}
	trippedWriter := newCappedWriter(2, nil)
	_, _ = trippedWriter.Write([]byte("abc"))

	tests := []struct {
		name       string
		out        *cappedWriter
		timedOut   bool
		wantOutput string
		wantState  models.RunState
	}{
		{"normal", fill("42\n"), false, "42\n", models.StateExecuted},
		{"timeout wins", trippedWriter, true, TimedOutOutput, models.StateTimedOut},
		{"output limit", trippedWriter, false, OutputLimitExceededOutput, models.StateOutputLimitExceeded},
		{"no output", fill(""), false, "", models.StateNoOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, state := classify(tt.out, tt.timedOut)
			assert.Equal(t, tt.wantOutput, output)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

func newTestInsecureEngine(t *testing.T, limits Limits) *InsecureEngine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("insecure engine tests need a POSIX shell")
	}
	e, err := NewInsecureEngine(t.TempDir(), limits, nil)
	require.NoError(t, err)
	return e
}

func TestInsecureEngineExecuted(t *testing.T) {
	e := newTestInsecureEngine(t, DefaultLimits())

	output, state, err := e.Run(context.Background(), Job{
		RunID:     1,
		Language:  "sh",
		RunScript: "#!/bin/sh\ncat $input_file",
		Input:     "15\n",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateExecuted, state)
	assert.Equal(t, "15\n", output)
}

func TestInsecureEngineNoOutput(t *testing.T) {
	e := newTestInsecureEngine(t, DefaultLimits())

	output, state, err := e.Run(context.Background(), Job{
		RunID:     2,
		Language:  "sh",
		RunScript: "#!/bin/sh\ntrue",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateNoOutput, state)
	assert.Empty(t, output)
}

func TestInsecureEngineOutputLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.OutputLimit = 1000
	e := newTestInsecureEngine(t, limits)

	output, state, err := e.Run(context.Background(), Job{
		RunID:     3,
		Language:  "sh",
		RunScript: "#!/bin/sh\ni=0\nwhile [ $i -lt 2000 ]; do printf a; i=$((i+1)); done",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateOutputLimitExceeded, state)
	assert.Equal(t, OutputLimitExceededOutput, output)
}

func TestInsecureEngineTimedOut(t *testing.T) {
	limits := DefaultLimits()
	limits.RunTimeoutSeconds = 1
	e := newTestInsecureEngine(t, limits)

	start := time.Now()
	output, state, err := e.Run(context.Background(), Job{
		RunID:     4,
		Language:  "sh",
		RunScript: "#!/bin/sh\nsleep 30",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateTimedOut, state)
	assert.Equal(t, TimedOutOutput, output)
	assert.Less(t, time.Since(start), 10*time.Second, "the wall clock kills the process")
}

func TestInsecureEngineTimeoutKillsChildren(t *testing.T) {
	limits := DefaultLimits()
	limits.RunTimeoutSeconds = 1
	e := newTestInsecureEngine(t, limits)

	// The runner parks behind a background child; killing only the
	// script would leave the sleep holding the output pipe open.
	start := time.Now()
	output, state, err := e.Run(context.Background(), Job{
		RunID:     6,
		Language:  "sh",
		RunScript: "#!/bin/sh\nsleep 30 &\nwait",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateTimedOut, state)
	assert.Equal(t, TimedOutOutput, output)
	assert.Less(t, time.Since(start), 10*time.Second, "the whole process group dies on timeout")
}

func TestInsecureEngineNonZeroExitIsAVerdict(t *testing.T) {
	e := newTestInsecureEngine(t, DefaultLimits())

	output, state, err := e.Run(context.Background(), Job{
		RunID:     5,
		Language:  "sh",
		RunScript: "#!/bin/sh\necho compile error >&2\nexit 1",
	})
	require.NoError(t, err, "a failing program is a judgement, not a sandbox error")
	assert.Equal(t, models.StateExecuted, state)
	assert.Contains(t, output, "compile error", "stderr is merged into the captured output")
}
