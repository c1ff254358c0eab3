package gate

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/audit"
	"github.com/triage-ai/bulwark/internal/callsafe"
	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/mcpmanager"
)

// ToolResult is the structured outcome of one remote tool call.
type ToolResult struct {
	Tool     string
	IsError  bool
	Result   *mcp.CallToolResult
	Duration time.Duration
}

// CallTool dispatches one namespaced tool call as its own turn.
func (g *Gate) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	start := time.Now()
	endTurn, err := g.beginTurn()
	if err != nil {
		g.record(audit.CategoryTool, name, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}
	defer endTurn()
	return g.callTool(ctx, name, args, start)
}

// CallTool dispatches one namespaced tool call within this turn.
// Identical concurrent calls share one transport invocation.
func (t *Turn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	return t.g.callTool(ctx, name, args, time.Now())
}

// callTool validates the arguments against the tool's declared schema,
// de-duplicates against in-flight and recently timed-out calls, injects
// a derived idempotency value for mutating tools, and only then lets
// anything cross the wire.
func (g *Gate) callTool(ctx context.Context, name string, args map[string]any, start time.Time) (*ToolResult, error) {
	serverName, toolName, err := mcpmanager.SplitToolID(name)
	if err != nil {
		g.record(audit.CategoryTool, name, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}
	entry, ok := g.manager.Lookup(serverName, toolName)
	if !ok {
		err := errdefs.Newf(errdefs.KindValidation, "unknown tool: %s", name)
		g.record(audit.CategoryTool, name, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := entry.ValidateArgs(args); err != nil {
		g.record(audit.CategoryTool, name, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}

	// The call key is computed over the caller's arguments, before
	// idempotency injection, so retries of one logical call share it.
	key, err := callsafe.CallKey(name, args)
	if err != nil {
		err = errdefs.Wrap(errdefs.KindValidation, "arguments are not serializable", err)
		g.record(audit.CategoryTool, name, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}
	dispatch := callsafe.InjectIdempotency(toolName, key, args)

	claim, err := g.tracker.Acquire(serverName, name, key)
	if err != nil {
		g.record(audit.CategoryTool, name, audit.DecisionRejected, err.Error(), start)
		return nil, err
	}

	if !claim.Owner() {
		return g.awaitShared(ctx, name, claim, start)
	}

	cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	res, err := g.manager.Call(cctx, serverName, toolName, dispatch)
	switch {
	case err == nil:
		claim.Succeed(res)
		g.record(audit.CategoryTool, name, audit.DecisionAllowed, "", start)
		return &ToolResult{Tool: name, IsError: res.IsError, Result: res, Duration: time.Since(start)}, nil

	case errdefs.IsKind(err, errdefs.KindTimeout):
		claim.Timeout(err)
		// A hung channel is assumed broken: tear the transport down
		// and reconnect before the timeout error surfaces.
		if rerr := g.manager.Recycle(ctx, serverName); rerr != nil {
			g.logger.Warn("server recycle after timeout failed",
				zap.String("server", serverName), zap.Error(rerr))
		}
		g.record(audit.CategoryTool, name, audit.DecisionTimedOut, err.Error(), start)
		return nil, err

	default:
		claim.Fail(err)
		if errdefs.IsKind(err, errdefs.KindTransport) {
			if rerr := g.manager.Remove(serverName); rerr != nil {
				g.logger.Warn("disconnect after transport failure failed",
					zap.String("server", serverName), zap.Error(rerr))
			}
		}
		g.record(audit.CategoryTool, name, audit.DecisionFailed, err.Error(), start)
		return nil, err
	}
}

// awaitShared resolves an attached claim: the owner's outcome, whatever
// it is, becomes this call's outcome.
func (g *Gate) awaitShared(ctx context.Context, name string, claim *callsafe.Claim, start time.Time) (*ToolResult, error) {
	wctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	res, err := claim.Wait(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = errdefs.Wrap(errdefs.KindTimeout, "shared call did not finish in time", err)
		}
		decision := audit.DecisionFailed
		if errdefs.IsKind(err, errdefs.KindTimeout) {
			decision = audit.DecisionTimedOut
		}
		g.record(audit.CategoryTool, name, decision, err.Error(), start)
		return nil, err
	}
	g.record(audit.CategoryTool, name, audit.DecisionAllowed, "", start)
	return &ToolResult{Tool: name, IsError: res.IsError, Result: res, Duration: time.Since(start)}, nil
}
