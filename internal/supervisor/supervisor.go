// Package supervisor runs authorized commands directly, with no shell in
// between, under byte, wall-clock, and process-group limits. It executes
// whatever it is handed; all authorization happens upstream.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultGracePeriod = 2 * time.Second
	DefaultMaxOutput   = 1 << 20
)

// Config bounds every process the supervisor runs. Zero fields take the
// package defaults.
type Config struct {
	MaxOutputBytes int
	Timeout        time.Duration
	GracePeriod    time.Duration
}

// Supervisor spawns processes in their own process group, caps captured
// output per stream, and escalates SIGTERM to SIGKILL on timeout.
type Supervisor struct {
	maxOutput int
	timeout   time.Duration
	grace     time.Duration
	logger    *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutput
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		maxOutput: cfg.MaxOutputBytes,
		timeout:   cfg.Timeout,
		grace:     cfg.GracePeriod,
		logger:    logger,
	}
}

// Spec is one process to run.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env replaces the child environment entirely when non-nil.
	Env []string
	// Timeout overrides the supervisor default when positive.
	Timeout time.Duration
}

// Result is the outcome of a completed (or killed) process.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
}

// Run executes spec and blocks until the process exits or is killed. A
// non-zero exit is not an error here; the Result carries the code and the
// caller decides how to present it. The returned error is non-nil only
// for spawn failures, timeout, or context cancellation, and on timeout
// the Result still carries whatever output was captured.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (*Result, error) {
	timeout := s.timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	stdout := &cappedBuffer{limit: s.maxOutput}
	stderr := &cappedBuffer{limit: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, "spawn "+spec.Command, err)
	}
	s.logger.Debug("process started",
		zap.String("command", spec.Command),
		zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		res := s.buildResult(stdout, stderr, waitErr, start)
		s.logger.Debug("process exited",
			zap.String("command", spec.Command),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
			zap.Bool("truncated", res.Truncated))
		return res, nil

	case <-timer.C:
		s.logger.Warn("process timed out",
			zap.String("command", spec.Command),
			zap.Duration("timeout", timeout))
		s.shutdown(cmd, done)
		res := s.buildResult(stdout, stderr, nil, start)
		res.TimedOut = true
		res.ExitCode = -1
		return res, errdefs.Newf(errdefs.KindTimeout, "command timed out after %s", timeout)

	case <-ctx.Done():
		_ = kill(cmd)
		<-done
		return nil, ctx.Err()
	}
}

// shutdown signals the process group to terminate and escalates to
// SIGKILL when the grace period passes without an exit.
func (s *Supervisor) shutdown(cmd *exec.Cmd, done <-chan error) {
	if err := terminate(cmd); err != nil {
		_ = kill(cmd)
		<-done
		return
	}
	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		_ = kill(cmd)
		<-done
	}
}

func (s *Supervisor) buildResult(stdout, stderr *cappedBuffer, waitErr error, start time.Time) *Result {
	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

// cappedBuffer stores up to limit bytes and drops the rest, so a chatty
// child cannot grow memory without bound. Write never returns an error;
// returning one would kill the pipe copy and surface as a spurious
// process failure. Contents are read only after Wait returns.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	switch {
	case room >= len(p):
		b.buf.Write(p)
	case room > 0:
		b.buf.Write(p[:room])
		b.truncated = true
	case len(p) > 0:
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
