// Package callsafe tracks the safety state of remote tool calls: it
// collapses duplicate in-flight calls onto one pending result, refuses
// retries of timed-out calls while their outcome is unknown, quarantines
// servers that hung, and derives idempotency tokens for mutating tools.
package callsafe

import (
	"context"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

const (
	DefaultCooldown    = 30 * time.Second
	DefaultUncertainty = 5 * time.Minute
	DefaultQuarantine  = 60 * time.Second
	DefaultMaxKeys     = 512
	DefaultMaxServers  = 64
)

// Config bounds the tracker. Zero fields take the package defaults.
type Config struct {
	// Cooldown refuses exact retries of a timed-out call for a window.
	Cooldown time.Duration
	// Uncertainty refuses exact retries outright while the remote
	// outcome of a timed-out mutation is unknown. Longer than Cooldown.
	Uncertainty time.Duration
	// Quarantine blocks other calls to a server that hung once.
	Quarantine time.Duration

	MaxKeys    int
	MaxServers int
}

// callRecord is the per-key state. While inflight, attached waiters
// block on done; result and err are readable once done is closed.
type callRecord struct {
	server string
	tool   string

	inflight  bool
	completed bool
	done      chan struct{}
	result    *mcp.CallToolResult
	err       error

	cooldownUntil  time.Time
	uncertainUntil time.Time
}

// Tracker is the call-safety state machine. All methods are safe for
// concurrent use.
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	keys    *boundedMap[*callRecord]
	servers *boundedMap[time.Time]

	now func() time.Time
}

func New(cfg Config, logger *zap.Logger) *Tracker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Uncertainty <= 0 {
		cfg.Uncertainty = DefaultUncertainty
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = DefaultQuarantine
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.MaxServers <= 0 {
		cfg.MaxServers = DefaultMaxServers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		keys:    newBoundedMap[*callRecord](cfg.MaxKeys),
		servers: newBoundedMap[time.Time](cfg.MaxServers),
		now:     time.Now,
	}
}

// Claim is the right to observe or drive one tracked call. The claim
// returned first for a key is the owner and must finish the call with
// exactly one of Succeed, Fail, or Timeout; attached claims only Wait.
type Claim struct {
	t     *Tracker
	key   string
	rec   *callRecord
	owner bool
}

// Acquire admits a call identified by key against the safety state.
// If an identical call is already in flight the returned claim attaches
// to it; otherwise the claim owns a new in-flight record. Rejections
// are PolicyViolation for marker hits and ResourceExceeded when the
// table cannot admit another live call.
func (t *Tracker) Acquire(server, tool, key string) (*Claim, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)

	if rec, ok := t.keys.get(key); ok {
		if rec.inflight {
			t.logger.Debug("attached to in-flight call",
				zap.String("tool", tool),
				zap.String("call_key", key))
			return &Claim{t: t, key: key, rec: rec}, nil
		}
		if now.Before(rec.uncertainUntil) {
			t.logger.Warn("refusing retry of timed-out call with unknown outcome",
				zap.String("tool", tool),
				zap.Time("until", rec.uncertainUntil))
			return nil, errdefs.Newf(errdefs.KindPolicyViolation,
				"an identical call to %s timed out and its outcome is unknown; do not retry it for another %s",
				tool, rec.uncertainUntil.Sub(now).Round(time.Second))
		}
		if now.Before(rec.cooldownUntil) {
			t.logger.Warn("refusing retry during timeout cooldown",
				zap.String("tool", tool),
				zap.Time("until", rec.cooldownUntil))
			return nil, errdefs.Newf(errdefs.KindPolicyViolation,
				"an identical call to %s timed out recently; retry after %s",
				tool, rec.cooldownUntil.Sub(now).Round(time.Second))
		}
	}

	if until, ok := t.servers.get(server); ok && now.Before(until) {
		t.logger.Warn("refusing call to quarantined server",
			zap.String("server", server),
			zap.Time("until", until))
		return nil, errdefs.Newf(errdefs.KindPolicyViolation,
			"server %s is quarantined after a timeout; retry after %s",
			server, until.Sub(now).Round(time.Second))
	}

	rec := &callRecord{
		server:   server,
		tool:     tool,
		inflight: true,
		done:     make(chan struct{}),
	}
	ok := t.keys.put(key, rec, now, func(r *callRecord) bool { return !r.inflight })
	if !ok {
		return nil, errdefs.Newf(errdefs.KindResourceExceeded,
			"call tracking table is full of in-flight calls")
	}
	return &Claim{t: t, key: key, rec: rec, owner: true}, nil
}

// Owner reports whether this claim drives the call.
func (c *Claim) Owner() bool {
	return c.owner
}

// Wait blocks until the owning claim finishes and returns the shared
// outcome. Context cancellation abandons the wait without affecting the
// tracked call.
func (c *Claim) Wait(ctx context.Context) (*mcp.CallToolResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.rec.done:
		return c.rec.result, c.rec.err
	}
}

// Succeed records a completed call and clears the key's markers and the
// owning server's quarantine.
func (c *Claim) Succeed(res *mcp.CallToolResult) {
	c.finish(func(time.Time) {
		c.rec.result = res
		c.t.keys.delete(c.key)
		c.t.servers.delete(c.rec.server)
	})
}

// Fail records a definite failure. Failures set no markers; the caller
// may retry immediately.
func (c *Claim) Fail(err error) {
	c.finish(func(time.Time) {
		c.rec.err = err
		c.t.keys.delete(c.key)
	})
}

// Timeout records an ambiguous outcome: the key enters its cooldown and
// uncertainty windows and the owning server is quarantined.
func (c *Claim) Timeout(err error) {
	c.finish(func(now time.Time) {
		c.rec.err = err
		c.rec.cooldownUntil = now.Add(c.t.cfg.Cooldown)
		c.rec.uncertainUntil = now.Add(c.t.cfg.Uncertainty)
		c.t.keys.touch(c.key, now)
		until := now.Add(c.t.cfg.Quarantine)
		ok := c.t.servers.put(c.rec.server, until, now, func(u time.Time) bool {
			return !u.After(now)
		})
		if !ok {
			c.t.logger.Warn("quarantine table full, server not quarantined",
				zap.String("server", c.rec.server))
		}
		c.t.logger.Warn("call timed out, safety markers set",
			zap.String("server", c.rec.server),
			zap.String("tool", c.rec.tool),
			zap.Time("cooldown_until", c.rec.cooldownUntil),
			zap.Time("uncertain_until", c.rec.uncertainUntil))
	})
}

func (c *Claim) finish(apply func(now time.Time)) {
	if !c.owner {
		return
	}
	c.t.mu.Lock()
	if c.rec.completed {
		c.t.mu.Unlock()
		return
	}
	c.rec.completed = true
	c.rec.inflight = false
	apply(c.t.now())
	c.t.mu.Unlock()
	close(c.rec.done)
}

// prune drops expired key records and server quarantines. Callers hold
// the mutex.
func (t *Tracker) prune(now time.Time) {
	t.keys.prune(func(r *callRecord) bool {
		return !r.inflight && !now.Before(r.uncertainUntil) && !now.Before(r.cooldownUntil)
	})
	t.servers.prune(func(until time.Time) bool {
		return !now.Before(until)
	})
}
