package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/code-court/courthouse/internal/models"
)

// DefaultImage is the executor container image with all supported
// language toolchains installed.
const DefaultImage = "code-court-executor"

// containerUser is the unprivileged account inside the image.
const containerUser = "user"

// DockerEngine runs each job in a fresh container: network disabled,
// read-only /share bind mount, tmpfs /scratch, memory/pid/cpu limits and
// zero swappiness.
type DockerEngine struct {
	cli      *client.Client
	image    string
	shareDir string
	limits   Limits
	log      *slog.Logger
}

// NewDockerEngine connects to the Docker daemon and verifies it answers.
// shareBase is the host directory under which per-run share dirs are
// created; it must be reachable by the daemon.
func NewDockerEngine(image, shareBase string, limits Limits, log *slog.Logger) (*DockerEngine, error) {
	if image == "" {
		image = DefaultImage
	}
	if shareBase == "" {
		shareBase = "share_data"
	}
	if log == nil {
		log = slog.Default()
	}
	limits.applyDefaults()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	abs, err := filepath.Abs(shareBase)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("share dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		cli.Close()
		return nil, fmt.Errorf("share dir: %w", err)
	}

	return &DockerEngine{cli: cli, image: image, shareDir: abs, limits: limits, log: log}, nil
}

// Close releases the Docker client.
func (e *DockerEngine) Close() error { return e.cli.Close() }

// Run executes one job. The wall-clock limit covers the whole container
// lifetime; on expiry the container is force-removed and the job reports
// TimedOut.
func (e *DockerEngine) Run(ctx context.Context, job Job) (string, models.RunState, error) {
	runner := substitutePlaceholders(job.RunScript, containerInputPath, containerProgram, containerScratchDir)
	dir, err := newShareDir(e.shareDir, job, runner)
	if err != nil {
		return "", "", err
	}
	defer dir.cleanup()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(e.limits.RunTimeoutSeconds)*time.Second)
	defer cancel()

	swappiness := int64(0)
	pids := e.limits.PidLimit
	resp, err := e.cli.ContainerCreate(runCtx,
		&container.Config{
			Image:           e.image,
			User:            containerUser,
			Cmd:             []string{containerShareDir + "/" + runnerFileName},
			WorkingDir:      containerScratchDir,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Binds:       []string{dir.path + ":" + containerShareDir + ":ro"},
			NetworkMode: "none",
			Tmpfs:       map[string]string{containerScratchDir: "rw,size=64m"},
			Resources: container.Resources{
				Memory:           e.limits.MemoryBytes,
				MemorySwappiness: &swappiness,
				PidsLimit:        &pids,
				CPUPeriod:        e.limits.CPUPeriod,
			},
		},
		nil, nil, "")
	if err != nil {
		return "", "", fmt.Errorf("container create: %w", err)
	}
	defer e.removeContainer(resp.ID)

	out := newCappedWriter(e.limits.OutputLimit, cancel)

	if err := e.cli.ContainerStart(runCtx, resp.ID, types.ContainerStartOptions{}); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return TimedOutOutput, models.StateTimedOut, nil
		}
		return "", "", fmt.Errorf("container start: %w", err)
	}

	logs, err := e.cli.ContainerLogs(runCtx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return TimedOutOutput, models.StateTimedOut, nil
		}
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	// Demux the stdout/stderr stream into the capped buffer. The copy ends
	// when the container exits, the output cap trips or the deadline fires.
	_, copyErr := stdcopy.StdCopy(out, out, logs)
	timedOut := runCtx.Err() == context.DeadlineExceeded && !out.Tripped()
	if copyErr != nil && !errors.Is(copyErr, errOutputLimit) && runCtx.Err() == nil {
		return "", "", fmt.Errorf("container output: %w", copyErr)
	}

	if !timedOut && !out.Tripped() {
		// Wait for exit so a slow writer can't race the log stream close.
		waitCh, errCh := e.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
		select {
		case <-waitCh:
		case <-errCh:
		case <-runCtx.Done():
			timedOut = true
		}
	}

	output, state := classify(out, timedOut)
	e.log.Debug("sandbox run finished", "run_id", job.RunID, "language", job.Language, "state", string(state))
	return output, state, nil
}

func (e *DockerEngine) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		e.log.Warn("container remove failed", "container", id[:12], "error", err)
	}
}
