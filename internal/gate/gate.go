// Package gate is the enforcement facade the agent talks to. It owns
// the exclusive turn slot and routes every proposed action through the
// policy engine and supervisor (shell-like actions) or the trust,
// transport, and call-safety stack (remote tool actions), recording one
// audit event per decision.
package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/audit"
	"github.com/triage-ai/bulwark/internal/callsafe"
	"github.com/triage-ai/bulwark/internal/confirm"
	"github.com/triage-ai/bulwark/internal/config"
	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/mcpmanager"
	"github.com/triage-ai/bulwark/internal/policy"
	"github.com/triage-ai/bulwark/internal/supervisor"
	"github.com/triage-ai/bulwark/internal/workspace"
)

const DefaultCallTimeout = 60 * time.Second

// Config tunes the gate. Zero fields take the defaults.
type Config struct {
	// SessionID tags audit events; a fresh UUID when empty.
	SessionID string
	// CallTimeout bounds each remote tool call.
	CallTimeout time.Duration
}

// Deps are the collaborators the gate routes through. All but Audit and
// Logger are required.
type Deps struct {
	Engine     *policy.Engine
	Resolver   *workspace.Resolver
	Supervisor *supervisor.Supervisor
	Manager    *mcpmanager.Manager
	Tracker    *callsafe.Tracker
	Store      *config.Store
	Trust      mcpmanager.TrustStore
	Confirmer  confirm.Confirmer
	Audit      audit.EventWriter
	Logger     *zap.Logger
}

// Gate is safe for concurrent use; a second concurrent turn is rejected
// immediately with a busy error rather than queued.
type Gate struct {
	engine     *policy.Engine
	resolver   *workspace.Resolver
	supervisor *supervisor.Supervisor
	manager    *mcpmanager.Manager
	tracker    *callsafe.Tracker
	store      *config.Store
	trust      mcpmanager.TrustStore
	confirmer  confirm.Confirmer
	audit      audit.EventWriter
	logger     *zap.Logger

	sessionID   string
	callTimeout time.Duration

	busy atomic.Bool

	cwdMu sync.Mutex
	cwd   string
}

func New(deps Deps, cfg Config) (*Gate, error) {
	switch {
	case deps.Engine == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil policy engine")
	case deps.Resolver == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil resolver")
	case deps.Supervisor == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil supervisor")
	case deps.Manager == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil server manager")
	case deps.Tracker == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil call tracker")
	case deps.Store == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil config store")
	case deps.Trust == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil trust store")
	case deps.Confirmer == nil:
		return nil, errdefs.New(errdefs.KindValidation, "New: nil confirmer")
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopWriter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Gate{
		engine:      deps.Engine,
		resolver:    deps.Resolver,
		supervisor:  deps.Supervisor,
		manager:     deps.Manager,
		tracker:     deps.Tracker,
		store:       deps.Store,
		trust:       deps.Trust,
		confirmer:   deps.Confirmer,
		audit:       deps.Audit,
		logger:      deps.Logger,
		sessionID:   cfg.SessionID,
		callTimeout: cfg.CallTimeout,
		cwd:         deps.Resolver.Root(),
	}, nil
}

// beginTurn claims the exclusive turn slot. The returned release must be
// deferred by the caller that got it.
func (g *Gate) beginTurn() (func(), error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, errdefs.New(errdefs.KindResourceExceeded,
			"a turn is already in progress; retry when it completes")
	}
	return func() { g.busy.Store(false) }, nil
}

// Turn scopes one agent turn. The slot is claimed once, and every call
// made through the handle shares it; calls may run concurrently, and
// identical tool calls collapse onto a single transport invocation.
type Turn struct {
	g *Gate
}

// Turn claims the exclusive slot for the duration of fn. A concurrent
// second turn is rejected immediately with a busy error, never queued.
func (g *Gate) Turn(ctx context.Context, fn func(context.Context, *Turn) error) error {
	endTurn, err := g.beginTurn()
	if err != nil {
		return err
	}
	defer endTurn()
	return fn(ctx, &Turn{g: g})
}

func (g *Gate) workdir() string {
	g.cwdMu.Lock()
	defer g.cwdMu.Unlock()
	return g.cwd
}

func (g *Gate) setWorkdir(dir string) {
	g.cwdMu.Lock()
	g.cwd = dir
	g.cwdMu.Unlock()
}

func (g *Gate) record(category, action, decision, reason string, start time.Time) {
	g.audit.Write(&audit.DecisionEvent{
		SessionID: g.sessionID,
		Timestamp: time.Now(),
		Category:  category,
		Action:    action,
		Decision:  decision,
		Reason:    reason,
		LatencyMs: float32(time.Since(start).Microseconds()) / 1000,
	})
}
