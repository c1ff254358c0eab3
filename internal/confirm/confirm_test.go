package confirm

import (
	"context"
	"testing"
)

// recordingConfirmer counts prompts and returns a fixed decision.
type recordingConfirmer struct {
	decision Decision
	prompts  []Category
}

func (r *recordingConfirmer) Confirm(_ context.Context, req Request) (Decision, error) {
	r.prompts = append(r.prompts, req.Category)
	return r.decision, nil
}

func TestSession_GrantStopsPrompting(t *testing.T) {
	inner := &recordingConfirmer{decision: Decision{Approved: true, ApplySession: true}}
	s := NewSession(inner)

	for i := 0; i < 3; i++ {
		dec, err := s.Confirm(context.Background(), Request{Category: CategoryCommand})
		if err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		if !dec.Approved {
			t.Fatal("expected approval")
		}
	}
	if len(inner.prompts) != 1 {
		t.Fatalf("expected a single prompt, got %d", len(inner.prompts))
	}
}

func TestSession_GrantIsPerCategory(t *testing.T) {
	inner := &recordingConfirmer{decision: Decision{Approved: true, ApplySession: true}}
	s := NewSession(inner)

	if _, err := s.Confirm(context.Background(), Request{Category: CategoryCommand}); err != nil {
		t.Fatal(err)
	}
	// A broad command grant must not cover git mutations.
	if _, err := s.Confirm(context.Background(), Request{Category: CategoryGitMutation}); err != nil {
		t.Fatal(err)
	}
	if len(inner.prompts) != 2 {
		t.Fatalf("expected git mutation to prompt separately, got %d prompts", len(inner.prompts))
	}
}

func TestSession_RejectionNotCached(t *testing.T) {
	inner := &recordingConfirmer{decision: Decision{Approved: false, ApplySession: true}}
	s := NewSession(inner)

	for i := 0; i < 2; i++ {
		dec, err := s.Confirm(context.Background(), Request{Category: CategoryCommand})
		if err != nil {
			t.Fatal(err)
		}
		if dec.Approved {
			t.Fatal("unexpected approval")
		}
	}
	if len(inner.prompts) != 2 {
		t.Fatalf("rejections must keep prompting, got %d prompts", len(inner.prompts))
	}
}
