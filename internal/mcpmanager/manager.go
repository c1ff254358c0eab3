package mcpmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/mcptransport"
	"github.com/triage-ai/bulwark/internal/netguard"
)

const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultInitConcurrency = 4
	DefaultFailureCooldown = 5 * time.Minute
)

// Config bounds manager behavior. Zero fields take the package defaults.
type Config struct {
	ConnectTimeout  time.Duration
	InitConcurrency int
	FailureCooldown time.Duration

	// Transport overrides transport construction when non-nil. The
	// default builds the kind the server configuration names.
	Transport func(cfg ServerConfig) (mcptransport.Transport, error)
}

// ToolEntry is one catalog entry: the server that owns the tool, the
// listed tool, and its compiled input schema when the server provided a
// usable one.
type ToolEntry struct {
	Server string
	Tool   *mcp.Tool

	schema *sjsonschema.Schema
}

// ID returns the namespaced tool identifier.
func (e *ToolEntry) ID() string {
	return ToolID(e.Server, e.Tool.Name)
}

// ValidateArgs checks args against the tool's input schema before
// anything crosses the wire. Tools without a usable schema pass.
func (e *ToolEntry) ValidateArgs(args any) error {
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(args); err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "arguments do not match tool schema", err)
	}
	return nil
}

type server struct {
	config      ServerConfig
	transport   mcptransport.Transport
	session     *mcp.ClientSession
	tools       map[string]*ToolEntry
	connectedAt time.Time
}

// ServerStatus is the read-only view handed to callers.
type ServerStatus struct {
	Name        string
	Kind        string
	Tools       int
	ConnectedAt time.Time
}

// Manager holds every connected server and its catalog. All methods are
// safe for concurrent use.
type Manager struct {
	trust  TrustStore
	guard  *netguard.Guard
	logger *zap.Logger
	cfg    Config

	mu        sync.Mutex
	servers   map[string]*server
	cooldowns map[string]time.Time

	now          func() time.Time
	newTransport func(cfg ServerConfig) (mcptransport.Transport, error)
}

func New(trust TrustStore, guard *netguard.Guard, cfg Config, logger *zap.Logger) (*Manager, error) {
	if trust == nil {
		return nil, fmt.Errorf("New: nil trust store")
	}
	if guard == nil {
		return nil, fmt.Errorf("New: nil url guard")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.InitConcurrency <= 0 {
		cfg.InitConcurrency = DefaultInitConcurrency
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = DefaultFailureCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		trust:     trust,
		guard:     guard,
		logger:    logger,
		cfg:       cfg,
		servers:   make(map[string]*server),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
	m.newTransport = m.buildTransport
	if cfg.Transport != nil {
		m.newTransport = cfg.Transport
	}
	return m, nil
}

func (m *Manager) buildTransport(cfg ServerConfig) (mcptransport.Transport, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}
	if kind == mcptransport.KindStdio {
		return mcptransport.NewStdio(cfg.Command, cfg.Args, cfg.Env, m.logger)
	}
	opts := netguard.Options{
		AllowLocalHTTP:    cfg.AllowLocalHTTP,
		AllowPrivateHTTPS: cfg.AllowPrivateHTTPS,
	}
	return mcptransport.NewRemote(kind, cfg.URL, cfg.Headers, m.guard, opts, m.logger)
}

// Connect verifies trust for cfg, establishes its transport, performs
// the handshake, and builds the tool catalog. The fingerprint must equal
// the recorded trust entry; a changed configuration is an
// UntrustedConfiguration failure until explicitly re-approved.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fp, err := cfg.Fingerprint()
	if err != nil {
		return err
	}
	recorded, ok := m.trust.Fingerprint(cfg.Name)
	if !ok {
		return errdefs.Newf(errdefs.KindUntrustedConfiguration, "server %s has no trust record", cfg.Name)
	}
	if recorded != fp {
		m.logger.Warn("configuration fingerprint changed since approval",
			zap.String("server", cfg.Name))
		return errdefs.Newf(errdefs.KindUntrustedConfiguration, "configuration for %s changed since approval", cfg.Name)
	}

	m.mu.Lock()
	_, exists := m.servers[cfg.Name]
	m.mu.Unlock()
	if exists {
		return errdefs.Newf(errdefs.KindValidation, "server already connected: %s", cfg.Name)
	}

	tr, err := m.newTransport(cfg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	session, err := tr.Connect(cctx)
	if err != nil {
		m.noteFailure(cfg.Name)
		return err
	}
	tools, err := m.listTools(cctx, cfg.Name, session)
	if err != nil {
		_ = tr.Disconnect()
		m.noteFailure(cfg.Name)
		return err
	}

	m.mu.Lock()
	if _, exists := m.servers[cfg.Name]; exists {
		m.mu.Unlock()
		_ = tr.Disconnect()
		return errdefs.Newf(errdefs.KindValidation, "server already connected: %s", cfg.Name)
	}
	m.servers[cfg.Name] = &server{
		config:      cfg,
		transport:   tr,
		session:     session,
		tools:       tools,
		connectedAt: m.now(),
	}
	delete(m.cooldowns, cfg.Name)
	m.mu.Unlock()

	kind, _ := cfg.Kind()
	m.logger.Info("server connected",
		zap.String("server", cfg.Name),
		zap.String("kind", kind.String()),
		zap.Int("tools", len(tools)))
	return nil
}

func (m *Manager) listTools(ctx context.Context, serverName string, session *mcp.ClientSession) (map[string]*ToolEntry, error) {
	out := make(map[string]*ToolEntry)
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransport, "list tools for "+serverName, err)
		}
		for _, tool := range res.Tools {
			entry := &ToolEntry{Server: serverName, Tool: tool}
			if tool.InputSchema != nil {
				sch, err := compileSchema(tool.InputSchema)
				if err != nil {
					m.logger.Warn("tool schema does not compile, argument validation disabled",
						zap.String("server", serverName),
						zap.String("tool", tool.Name),
						zap.Error(err))
				} else {
					entry.schema = sch
				}
			}
			out[tool.Name] = entry
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func compileSchema(raw any) (*sjsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	compiler := sjsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	return compiler.Compile("tool.json")
}

// InitAll connects every configuration with bounded concurrency. Servers
// still in failure cooldown are skipped without an attempt. The error is
// non-nil when any attempted server failed; successes stay connected
// either way.
func (m *Manager) InitAll(ctx context.Context, configs []ServerConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.InitConcurrency)

	var failMu sync.Mutex
	var failures []string
	attempted := 0

	for _, cfg := range configs {
		m.mu.Lock()
		until, cooling := m.cooldowns[cfg.Name]
		m.mu.Unlock()
		if cooling && m.now().Before(until) {
			m.logger.Info("server in failure cooldown, skipping",
				zap.String("server", cfg.Name),
				zap.Time("until", until))
			continue
		}

		attempted++
		cfg := cfg
		g.Go(func() error {
			if err := m.Connect(gctx, cfg); err != nil {
				m.logger.Warn("server init failed",
					zap.String("server", cfg.Name),
					zap.Error(err))
				failMu.Lock()
				failures = append(failures, cfg.Name)
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		sort.Strings(failures)
		return errdefs.Newf(errdefs.KindTransport, "%d of %d servers failed to initialize: %v", len(failures), attempted, failures)
	}
	return nil
}

// Remove disconnects name and drops its catalog. Removing a server that
// is not connected is a no-op.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	srv, ok := m.servers[name]
	delete(m.servers, name)
	delete(m.cooldowns, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := srv.transport.Disconnect(); err != nil {
		m.logger.Warn("disconnect failed", zap.String("server", name), zap.Error(err))
		return errdefs.Wrap(errdefs.KindTransport, "disconnect "+name, err)
	}
	m.logger.Info("server removed", zap.String("server", name))
	return nil
}

// Recycle tears a server down and reconnects it, for use after a call
// timeout on the assumption that a hung channel needs resetting. The
// reconnect is detached from the (likely already expired) caller
// deadline and bounded by the connect timeout instead.
func (m *Manager) Recycle(ctx context.Context, name string) error {
	m.mu.Lock()
	srv, ok := m.servers[name]
	delete(m.servers, name)
	m.mu.Unlock()
	if !ok {
		return errdefs.Newf(errdefs.KindValidation, "server not connected: %s", name)
	}
	_ = srv.transport.Disconnect()
	m.logger.Warn("recycling server after timeout", zap.String("server", name))

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ConnectTimeout)
	defer cancel()
	return m.Connect(rctx, srv.config)
}

// Call invokes a tool on a connected server. Context deadline expiry
// maps to a Timeout error; everything else from the wire is a
// TransportError.
func (m *Manager) Call(ctx context.Context, serverName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	srv, ok := m.servers[serverName]
	m.mu.Unlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "server not connected: %s", serverName)
	}
	if _, ok := srv.tools[toolName]; !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "server %s has no tool %s", serverName, toolName)
	}

	res, err := srv.session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errdefs.Wrap(errdefs.KindTimeout, "call "+toolName+" on "+serverName, err)
		}
		return nil, errdefs.Wrap(errdefs.KindTransport, "call "+toolName+" on "+serverName, err)
	}
	return res, nil
}

// Lookup returns the catalog entry for server's tool.
func (m *Manager) Lookup(serverName, toolName string) (*ToolEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[serverName]
	if !ok {
		return nil, false
	}
	entry, ok := srv.tools[toolName]
	return entry, ok
}

// Connected reports whether name has a live session.
func (m *Manager) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.servers[name]
	return ok
}

// Tools returns the whole namespaced catalog, sorted by id.
func (m *Manager) Tools() []*ToolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ToolEntry
	for _, srv := range m.servers {
		for _, entry := range srv.tools {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Servers returns a status row per connected server, sorted by name.
func (m *Manager) Servers() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for name, srv := range m.servers {
		kind, _ := srv.config.Kind()
		out = append(out, ServerStatus{
			Name:        name,
			Kind:        kind.String(),
			Tools:       len(srv.tools),
			ConnectedAt: srv.connectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) noteFailure(name string) {
	m.mu.Lock()
	m.cooldowns[name] = m.now().Add(m.cfg.FailureCooldown)
	m.mu.Unlock()
}
