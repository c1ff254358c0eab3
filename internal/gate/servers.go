package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/bulwark/internal/audit"
	"github.com/triage-ai/bulwark/internal/confirm"
	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/mcpmanager"
)

// Init loads the configured server list and connects every entry with
// bounded concurrency. Servers in failure cooldown are skipped.
func (g *Gate) Init(ctx context.Context) error {
	configs, err := g.store.LoadServers()
	if err != nil {
		return err
	}
	return g.manager.InitAll(ctx, configs)
}

// AddServer validates cfg, asks for an explicit trust confirmation
// showing the configuration fingerprint, persists the entry and its
// approval, and connects. Declining leaves nothing persisted.
func (g *Gate) AddServer(ctx context.Context, cfg mcpmanager.ServerConfig) error {
	start := time.Now()
	action := "add " + cfg.Name
	endTurn, err := g.beginTurn()
	if err != nil {
		g.record(audit.CategoryServer, action, audit.DecisionRejected, err.Error(), start)
		return err
	}
	defer endTurn()

	if err := cfg.Validate(); err != nil {
		g.record(audit.CategoryServer, action, audit.DecisionRejected, err.Error(), start)
		return err
	}
	fp, err := cfg.Fingerprint()
	if err != nil {
		g.record(audit.CategoryServer, action, audit.DecisionFailed, err.Error(), start)
		return err
	}

	dec, err := g.confirmer.Confirm(ctx, confirm.Request{
		Category: confirm.CategoryServerTrust,
		Summary:  "trust server " + cfg.Name,
		Detail:   describeServer(cfg, fp),
	})
	if err != nil {
		err = errdefs.Wrap(errdefs.KindPolicyViolation, "confirmation unavailable", err)
		g.record(audit.CategoryServer, action, audit.DecisionRejected, err.Error(), start)
		return err
	}
	if !dec.Approved {
		err := errdefs.Newf(errdefs.KindPolicyViolation, "declined: trust server %s", cfg.Name)
		g.record(audit.CategoryServer, action, audit.DecisionRejected, err.Error(), start)
		return err
	}

	if err := g.store.SaveServer(cfg); err != nil {
		g.record(audit.CategoryServer, action, audit.DecisionFailed, err.Error(), start)
		return err
	}
	if err := g.trust.Approve(cfg.Name, fp); err != nil {
		g.record(audit.CategoryServer, action, audit.DecisionFailed, err.Error(), start)
		return err
	}

	if err := g.manager.Connect(ctx, cfg); err != nil {
		category := audit.CategoryServer
		if cfg.URL != "" && errdefs.IsKind(err, errdefs.KindPolicyViolation) {
			category = audit.CategoryNetwork
		}
		g.record(category, action, audit.DecisionFailed, err.Error(), start)
		return err
	}

	g.record(audit.CategoryServer, action, audit.DecisionAllowed, "", start)
	return nil
}

// RemoveServer disconnects name and drops its configuration and trust
// record. Removing an unknown server is a no-op.
func (g *Gate) RemoveServer(ctx context.Context, name string) error {
	start := time.Now()
	action := "remove " + name
	endTurn, err := g.beginTurn()
	if err != nil {
		g.record(audit.CategoryServer, action, audit.DecisionRejected, err.Error(), start)
		return err
	}
	defer endTurn()

	var firstErr error
	if err := g.manager.Remove(name); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.store.DeleteServer(name); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.trust.Revoke(name); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		g.record(audit.CategoryServer, action, audit.DecisionFailed, firstErr.Error(), start)
		return firstErr
	}
	g.record(audit.CategoryServer, action, audit.DecisionAllowed, "", start)
	return nil
}

// GetTools returns the namespaced tool catalog across connected servers.
func (g *Gate) GetTools() []*mcpmanager.ToolEntry {
	return g.manager.Tools()
}

// GetServers returns one status row per connected server.
func (g *Gate) GetServers() []mcpmanager.ServerStatus {
	return g.manager.Servers()
}

func describeServer(cfg mcpmanager.ServerConfig, fingerprint string) string {
	var b strings.Builder
	if cfg.Command != "" {
		fmt.Fprintf(&b, "command: %s", cfg.Command)
		if len(cfg.Args) > 0 {
			fmt.Fprintf(&b, " %s", strings.Join(cfg.Args, " "))
		}
		b.WriteByte('\n')
	} else {
		fmt.Fprintf(&b, "url: %s\n", cfg.URL)
	}
	if len(cfg.Env) > 0 {
		fmt.Fprintf(&b, "env keys: %d\n", len(cfg.Env))
	}
	fmt.Fprintf(&b, "fingerprint: %s", fingerprint)
	return b.String()
}
