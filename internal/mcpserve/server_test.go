package mcpserve

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/callsafe"
	"github.com/triage-ai/bulwark/internal/confirm"
	"github.com/triage-ai/bulwark/internal/config"
	"github.com/triage-ai/bulwark/internal/gate"
	"github.com/triage-ai/bulwark/internal/mcpmanager"
	"github.com/triage-ai/bulwark/internal/netguard"
	"github.com/triage-ai/bulwark/internal/policy"
	"github.com/triage-ai/bulwark/internal/supervisor"
	"github.com/triage-ai/bulwark/internal/workspace"
)

func newTestGate(t *testing.T) (*gate.Gate, string) {
	t.Helper()
	logger := zap.NewNop()

	root := t.TempDir()
	resolver, err := workspace.NewResolver(root)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	confirmer := confirm.Static{Approve: true}
	engine, err := policy.NewEngine(nil, resolver, confirmer, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	store, err := config.NewStore(filepath.Join(t.TempDir(), "bulwark"), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trust, err := config.NewTrustFile(store.TrustPath(), logger)
	if err != nil {
		t.Fatalf("NewTrustFile: %v", err)
	}
	mgr, err := mcpmanager.New(trust, netguard.New(nil, logger), mcpmanager.Config{}, logger)
	if err != nil {
		t.Fatalf("mcpmanager.New: %v", err)
	}

	g, err := gate.New(gate.Deps{
		Engine:     engine,
		Resolver:   resolver,
		Supervisor: supervisor.New(supervisor.Config{Timeout: 10 * time.Second}, logger),
		Manager:    mgr,
		Tracker:    callsafe.New(callsafe.Config{}, logger),
		Store:      store,
		Trust:      trust,
		Confirmer:  confirmer,
		Logger:     logger,
	}, gate.Config{})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	return g, resolver.Root()
}

// connect registers the tool set on a fresh server and returns a client
// session over an in-memory transport.
func connect(t *testing.T, g *gate.Gate) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := NewServer("test")
	New(g, zap.NewNop()).RegisterServer(server)

	serverTr, clientTr := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTr, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	session, err := mcp.NewClient(&mcp.Implementation{Name: "harness", Version: "0"}, nil).
		Connect(ctx, clientTr, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func structured(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	sc, ok := res.StructuredContent.(map[string]any)
	if !ok {
		t.Fatalf("structured content = %T, want object", res.StructuredContent)
	}
	return sc
}

func errorText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestToolSet_ToolMetadata(t *testing.T) {
	g, _ := newTestGate(t)
	session := connect(t, g)

	listed, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(listed.Tools) != 4 {
		t.Fatalf("exposed tools = %d, want 4", len(listed.Tools))
	}
	name := regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	for _, tool := range listed.Tools {
		if !name.MatchString(tool.Name) {
			t.Errorf("tool name %q is not snake_case", tool.Name)
		}
		if strings.TrimSpace(tool.Description) == "" {
			t.Errorf("tool %q has no description", tool.Name)
		}
		if tool.InputSchema == nil {
			t.Errorf("tool %q has no input schema", tool.Name)
		}
	}
}

func TestToolSet_RunCommand(t *testing.T) {
	g, root := newTestGate(t)
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	session := connect(t, g)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "run_command",
		Arguments: map[string]any{"command": "cat hello.txt"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", errorText(res))
	}
	sc := structured(t, res)
	if sc["stdout"] != "hi\n" {
		t.Fatalf("stdout = %v, want %q", sc["stdout"], "hi\n")
	}
	if sc["exit_code"] != float64(0) {
		t.Fatalf("exit_code = %v, want 0", sc["exit_code"])
	}
}

func TestToolSet_RunCommandArgv(t *testing.T) {
	g, _ := newTestGate(t)
	session := connect(t, g)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "run_command",
		Arguments: map[string]any{"argv": []any{"echo", "hello"}},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", errorText(res))
	}
	if sc := structured(t, res); sc["stdout"] != "hello\n" {
		t.Fatalf("stdout = %v, want %q", sc["stdout"], "hello\n")
	}
}

func TestToolSet_RunCommandRejectionIsInBand(t *testing.T) {
	g, _ := newTestGate(t)
	session := connect(t, g)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "run_command",
		Arguments: map[string]any{"command": "echo hi; rm -rf /"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error for a chained command")
	}
	if got := errorText(res); !strings.Contains(got, "metacharacter") {
		t.Fatalf("error text = %q, want metacharacter rejection", got)
	}
}

func TestToolSet_CallToolUnknownTool(t *testing.T) {
	g, _ := newTestGate(t)
	session := connect(t, g)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "call_tool",
		Arguments: map[string]any{"name": "mcp__ghost__echo"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error for an unknown downstream tool")
	}
	if got := errorText(res); !strings.Contains(got, "unknown tool") {
		t.Fatalf("error text = %q, want unknown tool rejection", got)
	}
}

func TestToolSet_ListServersEmpty(t *testing.T) {
	g, _ := newTestGate(t)
	session := connect(t, g)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "list_servers",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	sc := structured(t, res)
	servers, ok := sc["servers"].([]any)
	if !ok || len(servers) != 0 {
		t.Fatalf("servers = %v, want empty list", sc["servers"])
	}
}
