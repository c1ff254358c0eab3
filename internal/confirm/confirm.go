// Package confirm defines the confirmation provider consumed by the
// enforcement layer. The provider is external (a terminal prompt, a UI
// dialog); this package specifies its contract and supplies a session
// wrapper that honors "don't ask again" grants per category.
package confirm

import (
	"context"
	"sync"
)

// Category scopes a confirmation request and any session-wide grant.
type Category string

const (
	// CategoryCommand covers running an allow-listed shell command.
	CategoryCommand Category = "command"
	// CategoryGitMutation covers mutating git subcommands. A session
	// grant for CategoryCommand never covers this category.
	CategoryGitMutation Category = "git_mutation"
	// CategoryServerTrust covers approving a tool server configuration
	// fingerprint.
	CategoryServerTrust Category = "server_trust"
)

// Request describes the action awaiting approval.
type Request struct {
	Category Category
	Summary  string
	Detail   string
}

// Decision is the provider's answer. ApplySession asks that further
// requests in the same category be auto-approved for this session.
type Decision struct {
	Approved     bool
	ApplySession bool
}

// Confirmer decides whether a proposed action may proceed.
type Confirmer interface {
	Confirm(ctx context.Context, req Request) (Decision, error)
}

// Session wraps a Confirmer and caches per-category session grants, so a
// category approved with ApplySession stops prompting. Grants are scoped
// to this Session value; a new agent session starts clean.
type Session struct {
	inner Confirmer

	mu      sync.Mutex
	granted map[Category]bool
}

// NewSession wraps inner with session-grant caching.
func NewSession(inner Confirmer) *Session {
	return &Session{inner: inner, granted: make(map[Category]bool)}
}

func (s *Session) Confirm(ctx context.Context, req Request) (Decision, error) {
	s.mu.Lock()
	granted := s.granted[req.Category]
	s.mu.Unlock()
	if granted {
		return Decision{Approved: true}, nil
	}

	dec, err := s.inner.Confirm(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if dec.Approved && dec.ApplySession {
		s.mu.Lock()
		s.granted[req.Category] = true
		s.mu.Unlock()
	}
	return dec, nil
}

// Static approves or rejects everything. Used in tests and for
// non-interactive runs that pre-approve all categories.
type Static struct {
	Approve bool
}

func (s Static) Confirm(_ context.Context, _ Request) (Decision, error) {
	return Decision{Approved: s.Approve}, nil
}
