package mcpserve

import "github.com/modelcontextprotocol/go-sdk/mcp"

var runCommandTool = &mcp.Tool{
	Name: "run_command",
	Description: `Runs one shell command inside the workspace, without a shell.

The command is tokenized, checked against the command policy, and its
path arguments are confined to the workspace before anything spawns.
Rejections come back as tool errors naming the violated rule.`,
}

// RunCommandParams accepts either a single command line or a pre-split
// argv. The argv form bypasses tokenization but not any other check.
type RunCommandParams struct {
	Command string   `json:"command,omitempty" jsonschema:"The command line to run. Tokenized without a shell; pipes, redirection, and command chaining are rejected."`
	Argv    []string `json:"argv,omitempty" jsonschema:"Pre-split argument vector. When set, command is ignored and the arguments reach the process verbatim."`
}

// RunCommandResult mirrors the supervisor's view of the finished
// process. A non-zero exit code is data, not an error.
type RunCommandResult struct {
	Stdout     string `json:"stdout" jsonschema:"Captured standard output, possibly truncated."`
	Stderr     string `json:"stderr" jsonschema:"Captured standard error, possibly truncated."`
	ExitCode   int    `json:"exit_code" jsonschema:"Exit code of the process."`
	Truncated  bool   `json:"truncated,omitempty" jsonschema:"True when either output stream hit the byte cap."`
	TimedOut   bool   `json:"timed_out,omitempty" jsonschema:"True when the process was killed at the deadline."`
	DurationMs int64  `json:"duration_ms" jsonschema:"Wall-clock runtime in milliseconds."`
}

var callToolTool = &mcp.Tool{
	Name: "call_tool",
	Description: `Calls a tool on a trusted downstream server by its namespaced name.

Arguments are validated against the tool's declared schema, duplicate
in-flight calls share one invocation, and mutating tools gain a derived
idempotency key before dispatch.`,
}

// CallToolParams names a downstream tool as mcp__<server>__<tool>.
type CallToolParams struct {
	Name      string         `json:"name" jsonschema:"Namespaced tool identifier, mcp__<server>__<tool>."`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"Arguments for the downstream tool."`
}

var listToolsTool = &mcp.Tool{
	Name: "list_tools",
	Description: `Lists every tool available across the connected downstream servers,
with its namespaced identifier.`,
}

type ListToolsParams struct{}

type ToolInfo struct {
	Name        string `json:"name" jsonschema:"Namespaced tool identifier."`
	Server      string `json:"server" jsonschema:"Name of the server that owns the tool."`
	Description string `json:"description,omitempty" jsonschema:"The tool's own description."`
}

type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

var listServersTool = &mcp.Tool{
	Name: "list_servers",
	Description: `Lists the connected downstream servers and their catalog sizes.`,
}

type ListServersParams struct{}

type ServerInfo struct {
	Name  string `json:"name" jsonschema:"Server name as used in tool identifiers."`
	Kind  string `json:"kind" jsonschema:"Transport kind: stdio, sse, or http."`
	Tools int    `json:"tools" jsonschema:"Number of tools in the server's catalog."`
}

type ListServersResult struct {
	Servers []ServerInfo `json:"servers"`
}
