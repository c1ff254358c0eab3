package gate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/audit"
	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/policy"
	"github.com/triage-ai/bulwark/internal/supervisor"
)

// ExecResult is the structured outcome of one authorized command.
type ExecResult struct {
	Command   string
	Args      []string
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
}

// Execute runs one raw command line as its own turn, through the full
// policy pipeline including the shell-metacharacter scan.
func (g *Gate) Execute(ctx context.Context, raw string) (*ExecResult, error) {
	return g.turnExec(ctx, policy.RawInvocation(raw), raw)
}

// ExecuteArgs runs a pre-split invocation as its own turn. The arguments
// reach the process verbatim, so the metacharacter scan does not apply;
// every other check does.
func (g *Gate) ExecuteArgs(ctx context.Context, command string, args []string) (*ExecResult, error) {
	display := strings.Join(append([]string{command}, args...), " ")
	return g.turnExec(ctx, policy.ArgsInvocation(command, args), display)
}

// Execute runs a raw command line within this turn.
func (t *Turn) Execute(ctx context.Context, raw string) (*ExecResult, error) {
	return t.g.execute(ctx, policy.RawInvocation(raw), raw, time.Now())
}

// ExecuteArgs runs a pre-split invocation within this turn.
func (t *Turn) ExecuteArgs(ctx context.Context, command string, args []string) (*ExecResult, error) {
	display := strings.Join(append([]string{command}, args...), " ")
	return t.g.execute(ctx, policy.ArgsInvocation(command, args), display, time.Now())
}

func (g *Gate) turnExec(ctx context.Context, inv policy.Invocation, display string) (*ExecResult, error) {
	start := time.Now()
	endTurn, err := g.beginTurn()
	if err != nil {
		g.record(audit.CategoryCommand, display, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}
	defer endTurn()
	return g.execute(ctx, inv, display, start)
}

func (g *Gate) execute(ctx context.Context, inv policy.Invocation, display string, start time.Time) (*ExecResult, error) {
	cwd := g.workdir()
	a, err := g.engine.Authorize(ctx, cwd, inv)
	if err != nil {
		g.record(audit.CategoryCommand, display, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}

	if a.ChangeDir != "" {
		g.setWorkdir(a.ChangeDir)
		g.logger.Debug("working directory changed", zap.String("dir", a.ChangeDir))
		g.record(audit.CategoryCommand, display, audit.DecisionAllowed, "", start)
		return &ExecResult{Command: a.Command, Args: a.Args, Duration: time.Since(start)}, nil
	}

	// The canonical paths were vetted during authorization; re-verify
	// them immediately before the spawn so a swapped symlink cannot
	// slip in behind a confirmation prompt.
	if err := g.engine.Recheck(a); err != nil {
		g.record(audit.CategoryCommand, display, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}

	res, err := g.supervisor.Run(ctx, supervisor.Spec{
		Command: a.Command,
		Args:    a.Args,
		Dir:     cwd,
	})
	if err != nil {
		decision := audit.DecisionFailed
		if errdefs.IsKind(err, errdefs.KindTimeout) {
			decision = audit.DecisionTimedOut
		}
		g.record(audit.CategoryCommand, display, decision, err.Error(), start)
		// On timeout the partial output still reaches the caller
		// alongside the error.
		if res != nil {
			return execResult(a, res), err
		}
		return nil, err
	}

	g.record(audit.CategoryCommand, display, audit.DecisionAllowed, "", start)
	return execResult(a, res), nil
}

func execResult(a *policy.Authorized, res *supervisor.Result) *ExecResult {
	return &ExecResult{
		Command:   a.Command,
		Args:      a.Args,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Truncated: res.Truncated,
		TimedOut:  res.TimedOut,
		Duration:  res.Duration,
	}
}
