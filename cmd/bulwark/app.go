package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/audit"
	"github.com/triage-ai/bulwark/internal/callsafe"
	"github.com/triage-ai/bulwark/internal/config"
	"github.com/triage-ai/bulwark/internal/gate"
	"github.com/triage-ai/bulwark/internal/mcpmanager"
	"github.com/triage-ai/bulwark/internal/netguard"
	"github.com/triage-ai/bulwark/internal/policy"
	"github.com/triage-ai/bulwark/internal/supervisor"
	"github.com/triage-ai/bulwark/internal/workspace"
)

// app is one wired enforcement stack, built per CLI invocation.
type app struct {
	gate   *gate.Gate
	logger *zap.Logger
}

type buildOpts struct {
	// promptOnTTY routes confirmation prompts to /dev/tty; set when
	// stdio carries the MCP wire and cannot be touched.
	promptOnTTY bool
	callTimeout time.Duration
}

func buildApp(flags *rootFlags, opts buildOpts) (*app, func(), error) {
	logger := mustBuildLogger(flags.logLevel)

	resolver, err := workspace.NewResolver(flags.workspace)
	if err != nil {
		return nil, nil, err
	}
	confirmer := newConfirmer(flags, opts.promptOnTTY)
	engine, err := policy.NewEngine(nil, resolver, confirmer, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := config.NewStore(flags.configDir, logger)
	if err != nil {
		return nil, nil, err
	}
	trust, err := config.NewTrustFile(store.TrustPath(), logger)
	if err != nil {
		return nil, nil, err
	}
	manager, err := mcpmanager.New(trust, netguard.New(nil, logger), mcpmanager.Config{}, logger)
	if err != nil {
		return nil, nil, err
	}

	// Audit sink: SQLite when a path is configured, log fallback otherwise.
	var writer audit.EventWriter
	if flags.auditDB != "" {
		w, err := audit.NewSQLiteWriter(flags.auditDB, audit.Config{}, logger)
		if err != nil {
			logger.Warn("audit database unavailable, logging decisions instead", zap.Error(err))
			writer = audit.NewLogWriter(logger)
		} else {
			writer = w
		}
	} else {
		writer = audit.NewLogWriter(logger)
	}

	g, err := gate.New(gate.Deps{
		Engine:     engine,
		Resolver:   resolver,
		Supervisor: supervisor.New(supervisor.Config{}, logger),
		Manager:    manager,
		Tracker:    callsafe.New(callsafe.Config{}, logger),
		Store:      store,
		Trust:      trust,
		Confirmer:  confirmer,
		Audit:      writer,
		Logger:     logger,
	}, gate.Config{CallTimeout: opts.callTimeout})
	if err != nil {
		writer.Close()
		return nil, nil, err
	}

	cleanup := func() {
		writer.Close()
		_ = logger.Sync()
	}
	return &app{gate: g, logger: logger}, cleanup, nil
}

// initServers connects the configured servers, tolerating partial
// failure; a command only fails later if the tool it needs is absent.
func (a *app) initServers(ctx context.Context) {
	if err := a.gate.Init(ctx); err != nil {
		a.logger.Warn("some configured servers failed to connect", zap.Error(err))
	}
}
