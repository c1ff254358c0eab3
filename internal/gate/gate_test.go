package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/bulwark/internal/audit"
	"github.com/triage-ai/bulwark/internal/callsafe"
	"github.com/triage-ai/bulwark/internal/confirm"
	"github.com/triage-ai/bulwark/internal/config"
	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/mcpmanager"
	"github.com/triage-ai/bulwark/internal/mcptransport"
	"github.com/triage-ai/bulwark/internal/netguard"
	"github.com/triage-ai/bulwark/internal/policy"
	"github.com/triage-ai/bulwark/internal/supervisor"
	"github.com/triage-ai/bulwark/internal/workspace"
)

type echoIn struct {
	Msg string `json:"msg"`
}

type invoiceIn struct {
	Amount         int    `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type emptyIn struct{}

// gateServer is the in-process tool server behind every remote-call
// test. The block tool parks until release is closed so tests can hold
// a call in flight deliberately.
type gateServer struct {
	srv *mcp.Server

	invoiceCalls atomic.Int32
	blockCalls   atomic.Int32
	started      chan struct{}
	release      chan struct{}

	mu          sync.Mutex
	invoiceKeys []string
}

func newGateServer() *gateServer {
	s := &gateServer{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "billing", Version: "0.0.1"}, nil)
	mcp.AddTool(srv, &mcp.Tool{Name: "echo", Description: "echo a message"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoIn) (*mcp.CallToolResult, any, error) {
			return textResult(in.Msg), nil, nil
		})
	mcp.AddTool(srv, &mcp.Tool{Name: "create_invoice", Description: "create an invoice"},
		func(ctx context.Context, req *mcp.CallToolRequest, in invoiceIn) (*mcp.CallToolResult, any, error) {
			s.invoiceCalls.Add(1)
			s.mu.Lock()
			s.invoiceKeys = append(s.invoiceKeys, in.IdempotencyKey)
			s.mu.Unlock()
			return textResult(fmt.Sprintf("invoice:%d", in.Amount)), nil, nil
		})
	mcp.AddTool(srv, &mcp.Tool{Name: "block", Description: "waits for release"},
		func(ctx context.Context, req *mcp.CallToolRequest, in emptyIn) (*mcp.CallToolResult, any, error) {
			s.blockCalls.Add(1)
			s.started <- struct{}{}
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-s.release:
			}
			return textResult("released"), nil, nil
		})
	mcp.AddTool(srv, &mcp.Tool{Name: "slow", Description: "hangs"},
		func(ctx context.Context, req *mcp.CallToolRequest, in emptyIn) (*mcp.CallToolResult, any, error) {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(30 * time.Second):
			}
			return textResult("done"), nil, nil
		})
	mcp.AddTool(srv, &mcp.Tool{Name: "explode", Description: "always fails"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoIn) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "the server declined"}},
			}, nil, nil
		})
	s.srv = srv
	return s
}

func (s *gateServer) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invoiceKeys...)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func resultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type memTransport struct {
	srv      *mcp.Server
	connects *atomic.Int32

	session *mcp.ClientSession
	cancel  context.CancelFunc
}

func (t *memTransport) Connect(ctx context.Context) (*mcp.ClientSession, error) {
	t.connects.Add(1)
	serverTr, clientTr := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = t.srv.Run(runCtx, serverTr) }()

	session, err := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0"}, nil).
		Connect(ctx, clientTr, nil)
	if err != nil {
		cancel()
		return nil, errdefs.Wrap(errdefs.KindTransport, "connect", err)
	}
	t.session = session
	t.cancel = cancel
	return session, nil
}

func (t *memTransport) Disconnect() error {
	if t.session != nil {
		_ = t.session.Close()
		t.session = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}

func (t *memTransport) Type() mcptransport.Kind {
	return mcptransport.KindStdio
}

type stubConfirmer struct {
	mu       sync.Mutex
	requests []confirm.Request
	decline  map[confirm.Category]bool
}

func (c *stubConfirmer) Confirm(ctx context.Context, req confirm.Request) (confirm.Decision, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	declined := c.decline[req.Category]
	c.mu.Unlock()
	return confirm.Decision{Approved: !declined}, nil
}

func (c *stubConfirmer) last() (confirm.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return confirm.Request{}, false
	}
	return c.requests[len(c.requests)-1], true
}

type memAudit struct {
	mu     sync.Mutex
	events []audit.DecisionEvent
}

func (a *memAudit) Write(e *audit.DecisionEvent) {
	a.mu.Lock()
	a.events = append(a.events, *e)
	a.mu.Unlock()
}

func (a *memAudit) Close() {}

func (a *memAudit) count(category, decision string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e.Category == category && e.Decision == decision {
			n++
		}
	}
	return n
}

type fixtureOpts struct {
	callTimeout time.Duration
	decline     map[confirm.Category]bool
	tracker     callsafe.Config
}

type fixture struct {
	gate     *Gate
	root     string
	server   *gateServer
	connects atomic.Int32
	audit    *memAudit
	confirm  *stubConfirmer
	store    *config.Store
	trust    *config.TrustFile
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	logger := zap.NewNop()

	root := t.TempDir()
	resolver, err := workspace.NewResolver(root)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	confirmer := &stubConfirmer{decline: opts.decline}
	engine, err := policy.NewEngine(nil, resolver, confirmer, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sup := supervisor.New(supervisor.Config{Timeout: 10 * time.Second}, logger)

	store, err := config.NewStore(filepath.Join(t.TempDir(), "bulwark"), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trust, err := config.NewTrustFile(store.TrustPath(), logger)
	if err != nil {
		t.Fatalf("NewTrustFile: %v", err)
	}

	f := &fixture{
		root:    resolver.Root(),
		server:  newGateServer(),
		audit:   &memAudit{},
		confirm: confirmer,
		store:   store,
		trust:   trust,
	}

	mgr, err := mcpmanager.New(trust, netguard.New(nil, logger), mcpmanager.Config{
		ConnectTimeout: 5 * time.Second,
		Transport: func(mcpmanager.ServerConfig) (mcptransport.Transport, error) {
			return &memTransport{srv: f.server.srv, connects: &f.connects}, nil
		},
	}, logger)
	if err != nil {
		t.Fatalf("mcpmanager.New: %v", err)
	}

	g, err := New(Deps{
		Engine:     engine,
		Resolver:   resolver,
		Supervisor: sup,
		Manager:    mgr,
		Tracker:    callsafe.New(opts.tracker, logger),
		Store:      store,
		Trust:      trust,
		Confirmer:  confirmer,
		Audit:      f.audit,
		Logger:     logger,
	}, Config{SessionID: "gate-test", CallTimeout: opts.callTimeout})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.gate = g
	return f
}

func (f *fixture) addBilling(t *testing.T) {
	t.Helper()
	err := f.gate.AddServer(context.Background(), mcpmanager.ServerConfig{
		Name:    "billing",
		Command: "billing-server",
	})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
}

func (f *fixture) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestGate_NewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	if !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected validation error for empty deps, got %v", err)
	}
}

func TestGate_ExecuteEndToEnd(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.writeFile(t, "hello.txt", "hi\n")

	res, err := f.gate.Execute(context.Background(), "cat hello.txt")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hi\n")
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if got := f.audit.count(audit.CategoryCommand, audit.DecisionAllowed); got != 1 {
		t.Fatalf("allowed command events = %d, want 1", got)
	}
}

func TestGate_ExecuteRejectsMetacharacters(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.gate.Execute(context.Background(), "echo hello; rm -rf /")
	if !errdefs.IsKind(err, errdefs.KindPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if got := f.audit.count(audit.CategoryCommand, audit.DecisionRejected); got != 1 {
		t.Fatalf("rejected command events = %d, want 1", got)
	}
}

func TestGate_ExecuteRejectsEscapePath(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.gate.Execute(context.Background(), "cat ../outside.txt")
	if !errdefs.IsKind(err, errdefs.KindPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
}

func TestGate_ExecuteNonZeroExitIsNotAnError(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.writeFile(t, "a.txt", "one\n")
	f.writeFile(t, "b.txt", "two\n")

	res, err := f.gate.ExecuteArgs(context.Background(), "diff", []string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatalf("ExecuteArgs: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "one") {
		t.Fatalf("diff output missing content: %q", res.Stdout)
	}
}

func TestGate_ChangeDirScopesLaterCommands(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.writeFile(t, "sub/inner.txt", "inner\n")
	ctx := context.Background()

	if _, err := f.gate.Execute(ctx, "cd sub"); err != nil {
		t.Fatalf("cd: %v", err)
	}
	res, err := f.gate.Execute(ctx, "cat inner.txt")
	if err != nil {
		t.Fatalf("cat after cd: %v", err)
	}
	if res.Stdout != "inner\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "inner\n")
	}

	res, err = f.gate.Execute(ctx, "pwd")
	if err != nil {
		t.Fatalf("pwd: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); !strings.HasSuffix(got, "/sub") {
		t.Fatalf("pwd = %q, want suffix /sub", got)
	}
}

func TestGate_SecondTurnRejectedImmediately(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addBilling(t)
	ctx := context.Background()

	turnErr := make(chan error, 1)
	go func() {
		turnErr <- f.gate.Turn(ctx, func(ctx context.Context, turn *Turn) error {
			_, err := turn.CallTool(ctx, "mcp__billing__block", map[string]any{})
			return err
		})
	}()
	<-f.server.started

	if _, err := f.gate.Execute(ctx, "pwd"); !errdefs.IsKind(err, errdefs.KindResourceExceeded) {
		t.Fatalf("expected busy rejection for Execute, got %v", err)
	}
	if _, err := f.gate.CallTool(ctx, "mcp__billing__echo", map[string]any{"msg": "x"}); !errdefs.IsKind(err, errdefs.KindResourceExceeded) {
		t.Fatalf("expected busy rejection for CallTool, got %v", err)
	}

	close(f.server.release)
	if err := <-turnErr; err != nil {
		t.Fatalf("turn: %v", err)
	}

	if _, err := f.gate.Execute(ctx, "pwd"); err != nil {
		t.Fatalf("Execute after turn released: %v", err)
	}
}

func TestGate_AddServerAndCallTool(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addBilling(t)
	ctx := context.Background()

	req, ok := f.confirm.last()
	if !ok || req.Category != confirm.CategoryServerTrust {
		t.Fatalf("expected a server trust confirmation, got %+v", req)
	}
	if !strings.Contains(req.Detail, "fingerprint:") {
		t.Fatalf("confirmation detail missing fingerprint: %q", req.Detail)
	}

	servers := f.gate.GetServers()
	if len(servers) != 1 || servers[0].Name != "billing" {
		t.Fatalf("servers = %+v, want one entry named billing", servers)
	}
	var ids []string
	for _, entry := range f.gate.GetTools() {
		ids = append(ids, entry.ID())
	}
	found := false
	for _, id := range ids {
		if id == "mcp__billing__echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("catalog %v missing mcp__billing__echo", ids)
	}

	stored, err := f.store.LoadServers()
	if err != nil || len(stored) != 1 {
		t.Fatalf("LoadServers = %v, %v; want one persisted entry", stored, err)
	}
	if _, ok := f.trust.Fingerprint("billing"); !ok {
		t.Fatal("trust store missing billing fingerprint")
	}

	res, err := f.gate.CallTool(ctx, "mcp__billing__echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := resultText(res.Result); got != "hi" {
		t.Fatalf("result text = %q, want %q", got, "hi")
	}
	if got := f.audit.count(audit.CategoryTool, audit.DecisionAllowed); got != 1 {
		t.Fatalf("allowed tool events = %d, want 1", got)
	}
}

func TestGate_AddServerDeclinedPersistsNothing(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		decline: map[confirm.Category]bool{confirm.CategoryServerTrust: true},
	})

	err := f.gate.AddServer(context.Background(), mcpmanager.ServerConfig{
		Name:    "billing",
		Command: "billing-server",
	})
	if !errdefs.IsKind(err, errdefs.KindPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}

	if servers := f.gate.GetServers(); len(servers) != 0 {
		t.Fatalf("servers = %+v, want none", servers)
	}
	stored, err := f.store.LoadServers()
	if err != nil || len(stored) != 0 {
		t.Fatalf("LoadServers = %v, %v; want empty", stored, err)
	}
	if _, ok := f.trust.Fingerprint("billing"); ok {
		t.Fatal("declined server must not be trusted")
	}
	if f.connects.Load() != 0 {
		t.Fatalf("connects = %d, want 0", f.connects.Load())
	}
}

func TestGate_CallToolSchemaRejectionStaysLocal(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addBilling(t)

	_, err := f.gate.CallTool(context.Background(), "mcp__billing__create_invoice",
		map[string]any{"amount": "seven hundred"})
	if !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := f.server.invoiceCalls.Load(); got != 0 {
		t.Fatalf("invoice handler ran %d times, want 0", got)
	}
}

func TestGate_UnknownToolRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	if _, err := f.gate.CallTool(ctx, "mcp__ghost__echo", nil); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected validation error for unknown server, got %v", err)
	}
	if _, err := f.gate.CallTool(ctx, "not-namespaced", nil); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected validation error for malformed id, got %v", err)
	}
}

func TestGate_InjectsDerivedIdempotencyKey(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addBilling(t)
	ctx := context.Background()

	args := map[string]any{"amount": float64(700)}
	if _, err := f.gate.CallTool(ctx, "mcp__billing__create_invoice", args); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := f.gate.CallTool(ctx, "mcp__billing__create_invoice", args); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if _, ok := args["idempotency_key"]; ok {
		t.Fatal("caller arguments were mutated")
	}

	keys := f.server.keys()
	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("injected keys = %v, want two equal non-empty values", keys)
	}

	_, err := f.gate.CallTool(ctx, "mcp__billing__create_invoice",
		map[string]any{"amount": float64(9), "idempotency_key": "caller-chose"})
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if keys := f.server.keys(); keys[2] != "caller-chose" {
		t.Fatalf("caller key = %q, want caller-chose", keys[2])
	}
}

func TestGate_DuplicateInFlightSharesOneInvocation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addBilling(t)

	var texts [2]string
	err := f.gate.Turn(context.Background(), func(ctx context.Context, turn *Turn) error {
		var eg errgroup.Group
		eg.Go(func() error {
			res, err := turn.CallTool(ctx, "mcp__billing__block", map[string]any{})
			if err != nil {
				return err
			}
			texts[0] = resultText(res.Result)
			return nil
		})
		<-f.server.started

		eg.Go(func() error {
			res, err := turn.CallTool(ctx, "mcp__billing__block", map[string]any{})
			if err != nil {
				return err
			}
			texts[1] = resultText(res.Result)
			return nil
		})
		// The duplicate only needs to reach the tracker before the
		// owner completes; nothing blocks it on the way there.
		time.Sleep(200 * time.Millisecond)
		close(f.server.release)
		return eg.Wait()
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	if got := f.server.blockCalls.Load(); got != 1 {
		t.Fatalf("handler invocations = %d, want 1", got)
	}
	if texts[0] != "released" || texts[1] != "released" {
		t.Fatalf("outcomes = %v, want both released", texts)
	}
}

func TestGate_TimeoutQuarantinesAndRecycles(t *testing.T) {
	f := newFixture(t, fixtureOpts{callTimeout: 150 * time.Millisecond})
	f.addBilling(t)
	ctx := context.Background()

	if got := f.connects.Load(); got != 1 {
		t.Fatalf("connects after add = %d, want 1", got)
	}

	_, err := f.gate.CallTool(ctx, "mcp__billing__slow", map[string]any{})
	if !errdefs.IsKind(err, errdefs.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := f.connects.Load(); got != 2 {
		t.Fatalf("connects after recycle = %d, want 2", got)
	}

	_, err = f.gate.CallTool(ctx, "mcp__billing__slow", map[string]any{})
	if !errdefs.IsKind(err, errdefs.KindPolicyViolation) || !strings.Contains(err.Error(), "outcome is unknown") {
		t.Fatalf("expected uncertainty rejection, got %v", err)
	}

	_, err = f.gate.CallTool(ctx, "mcp__billing__echo", map[string]any{"msg": "x"})
	if !errdefs.IsKind(err, errdefs.KindPolicyViolation) || !strings.Contains(err.Error(), "quarantined") {
		t.Fatalf("expected quarantine rejection, got %v", err)
	}

	if got := f.audit.count(audit.CategoryTool, audit.DecisionTimedOut); got != 1 {
		t.Fatalf("timed-out tool events = %d, want 1", got)
	}
}

func TestGate_ToolErrorResultPassesThrough(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addBilling(t)

	res, err := f.gate.CallTool(context.Background(), "mcp__billing__explode", map[string]any{"msg": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError result")
	}
	if got := resultText(res.Result); got != "the server declined" {
		t.Fatalf("result text = %q", got)
	}
}

func TestGate_RemoveServerCleansEverything(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addBilling(t)
	ctx := context.Background()

	if err := f.gate.RemoveServer(ctx, "billing"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}

	if servers := f.gate.GetServers(); len(servers) != 0 {
		t.Fatalf("servers = %+v, want none", servers)
	}
	if tools := f.gate.GetTools(); len(tools) != 0 {
		t.Fatalf("tools = %+v, want none", tools)
	}
	stored, err := f.store.LoadServers()
	if err != nil || len(stored) != 0 {
		t.Fatalf("LoadServers = %v, %v; want empty", stored, err)
	}
	if _, ok := f.trust.Fingerprint("billing"); ok {
		t.Fatal("trust record survived removal")
	}

	if _, err := f.gate.CallTool(ctx, "mcp__billing__echo", map[string]any{"msg": "x"}); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected unknown tool after removal, got %v", err)
	}

	// Removing again is a no-op.
	if err := f.gate.RemoveServer(ctx, "billing"); err != nil {
		t.Fatalf("second RemoveServer: %v", err)
	}
}
