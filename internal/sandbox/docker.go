package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vinayprograms/unfold/internal/failure"
)

const traceMarker = "--- unfold trace ---"

// DockerConfig configures container execution.
type DockerConfig struct {
	Image     string
	Timeout   time.Duration
	Memory    string
	MaxOutput int64
}

// Docker runs targets in a throwaway container with no network, a read-only
// root filesystem and the target mounted read-only.
type Docker struct {
	cfg        DockerConfig
	dockerPath string

	// command builds the process; replaced in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewDocker locates the docker CLI.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	path, err := exec.LookPath("docker")
	if err != nil {
		return nil, failure.Wrap(failure.BackendUnavailable, "sandbox", fmt.Errorf("docker not found: %w", err))
	}
	if cfg.Image == "" {
		cfg.Image = "unfold/sandbox:latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 * 1024
	}
	return &Docker{cfg: cfg, dockerPath: path, command: exec.CommandContext}, nil
}

// buildArgs constructs the docker run command line.
func (d *Docker) buildArgs(req Request) []string {
	abs, err := filepath.Abs(req.BinaryPath)
	if err != nil {
		abs = req.BinaryPath
	}

	args := []string{"run", "--rm", "-i",
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:size=16m",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pids-limit", "64",
		"-v", abs + ":/target:ro",
	}
	if d.cfg.Memory != "" {
		args = append(args, "--memory", d.cfg.Memory)
	}
	if req.Trace != TraceNone && req.Trace != "" {
		// ptrace needs this back for strace/ltrace.
		args = append(args, "--cap-add", "SYS_PTRACE")
	}
	args = append(args, d.cfg.Image)

	switch req.Trace {
	case TraceCalls, TraceSyscalls:
		tracer := "strace -f -qq"
		if req.Trace == TraceCalls {
			tracer = "ltrace -f"
		}
		script := tracer + ` -o /tmp/trace /target "$@"; rc=$?; echo '` + traceMarker + `' >&2; cat /tmp/trace >&2; exit $rc`
		args = append(args, "sh", "-c", script, "sh")
	default:
		args = append(args, "/target")
	}
	return append(args, req.Args...)
}

// Run implements Runner.
func (d *Docker) Run(ctx context.Context, req Request) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := d.command(execCtx, d.dockerPath, d.buildArgs(req)...)
	cmd.WaitDelay = time.Second
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: d.cfg.MaxOutput}
	// stderr also carries the trace, so it gets twice the room.
	stderr := &limitedWriter{w: &stderrBuf, max: 2 * d.cfg.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	result := &Result{Stdout: stdoutBuf.String(), Truncated: stdout.truncated || stderr.truncated}
	result.Stderr, result.TraceEvents = splitTrace(stderrBuf.String())

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, failure.Wrap(failure.Cancellation, "run_binary", ctx.Err())
		case execCtx.Err() == context.DeadlineExceeded:
			result.TimedOut = true
			result.ExitCode = -1
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			// 125-127 are docker's own failures, not the target's.
			if result.ExitCode >= 125 && result.ExitCode <= 127 && req.Trace == TraceNone {
				return nil, failure.New(failure.BackendUnavailable, "run_binary", "container failed to start: %s", strings.TrimSpace(result.Stderr))
			}
		default:
			return nil, failure.Wrap(failure.BackendUnavailable, "run_binary", err)
		}
	}
	return result, nil
}

// splitTrace separates the target's stderr from the tracer output.
func splitTrace(stderr string) (string, []string) {
	idx := strings.LastIndex(stderr, traceMarker)
	if idx < 0 {
		return stderr, nil
	}
	var events []string
	for _, line := range strings.Split(stderr[idx+len(traceMarker):], "\n") {
		if line = strings.TrimSpace(line); line != "" {
			events = append(events, line)
		}
	}
	return strings.TrimRight(stderr[:idx], "\n"), events
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := lw.max - lw.written
	if remaining <= 0 {
		lw.truncated = true
		return n, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}
