// Package mcpserve exposes the gate's operations as MCP tools, so an
// agent harness mounts the enforcement layer the way it would mount any
// other stdio tool server. Only dispatch and read operations are
// exposed; trusting or removing servers stays on the interactive CLI,
// where a human answers the fingerprint prompt.
package mcpserve

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/gate"
)

// ToolSet binds the exposed tools to one gate.
type ToolSet struct {
	gate   *gate.Gate
	logger *zap.Logger
}

func New(g *gate.Gate, logger *zap.Logger) *ToolSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolSet{gate: g, logger: logger}
}

// NewServer builds the MCP server shell the tool set registers into.
func NewServer(version string) *mcp.Server {
	impl := &mcp.Implementation{
		Name:    "bulwark",
		Title:   "Bulwark, an enforcement layer for terminal coding agents",
		Version: version,
	}
	opts := &mcp.ServerOptions{
		Instructions: `This server runs shell commands and downstream tool calls through an
enforcement layer: commands are tokenized and checked against an
allow-list with workspace path confinement, and tool calls are
validated, de-duplicated, and given idempotency keys before dispatch.

A rejected action comes back as a tool error naming the violated rule;
rephrasing the same action will not change the outcome.`,
	}
	return mcp.NewServer(impl, opts)
}

// RegisterServer adds every exposed tool to server.
func (ts *ToolSet) RegisterServer(server *mcp.Server) {
	mcp.AddTool(server, runCommandTool, ts.RunCommand)
	mcp.AddTool(server, callToolTool, ts.CallTool)
	mcp.AddTool(server, listToolsTool, ts.ListTools)
	mcp.AddTool(server, listServersTool, ts.ListServers)
}

// refusal converts a gate error into an in-band tool error, so the
// agent sees the enforcement reason instead of a broken session.
func refusal(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

func (ts *ToolSet) RunCommand(ctx context.Context,
	_ *mcp.CallToolRequest, args RunCommandParams,
) (*mcp.CallToolResult, *RunCommandResult, error) {
	var (
		res *gate.ExecResult
		err error
	)
	if len(args.Argv) > 0 {
		res, err = ts.gate.ExecuteArgs(ctx, args.Argv[0], args.Argv[1:])
	} else {
		res, err = ts.gate.Execute(ctx, args.Command)
	}
	if err != nil && res == nil {
		return refusal(err), nil, nil
	}
	// A timed-out run still carries partial output worth returning.
	out := &RunCommandResult{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		Truncated:  res.Truncated,
		TimedOut:   res.TimedOut,
		DurationMs: res.Duration.Milliseconds(),
	}
	return nil, out, nil
}

func (ts *ToolSet) CallTool(ctx context.Context,
	_ *mcp.CallToolRequest, args CallToolParams,
) (*mcp.CallToolResult, any, error) {
	res, err := ts.gate.CallTool(ctx, args.Name, args.Arguments)
	if err != nil {
		return refusal(err), nil, nil
	}
	return &mcp.CallToolResult{
		IsError: res.IsError,
		Content: res.Result.Content,
	}, nil, nil
}

func (ts *ToolSet) ListTools(ctx context.Context,
	_ *mcp.CallToolRequest, _ ListToolsParams,
) (*mcp.CallToolResult, *ListToolsResult, error) {
	out := &ListToolsResult{Tools: []ToolInfo{}}
	for _, entry := range ts.gate.GetTools() {
		out.Tools = append(out.Tools, ToolInfo{
			Name:        entry.ID(),
			Server:      entry.Server,
			Description: entry.Tool.Description,
		})
	}
	return nil, out, nil
}

func (ts *ToolSet) ListServers(ctx context.Context,
	_ *mcp.CallToolRequest, _ ListServersParams,
) (*mcp.CallToolResult, *ListServersResult, error) {
	out := &ListServersResult{Servers: []ServerInfo{}}
	for _, s := range ts.gate.GetServers() {
		out.Servers = append(out.Servers, ServerInfo{
			Name:  s.Name,
			Kind:  s.Kind,
			Tools: s.Tools,
		})
	}
	return nil, out, nil
}
