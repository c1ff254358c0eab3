// Package audit persists one record per enforcement decision so a
// session can be reconstructed after the fact: what was attempted, what
// the layer decided, and why.
package audit

import "time"

// EventWriter is the interface for recording decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// Decision categories.
const (
	CategoryCommand = "command"
	CategoryTool    = "tool"
	CategoryServer  = "server"
	CategoryNetwork = "network"
)

// Decision values.
const (
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
	DecisionFailed   = "failed"
	DecisionTimedOut = "timed_out"
)

// DecisionEvent is a single enforcement decision to be persisted.
type DecisionEvent struct {
	SessionID string
	Timestamp time.Time
	Category  string
	Action    string // truncated human-readable form of the attempt
	Decision  string
	Reason    string // rejection or failure reason, empty when allowed
	Detail    string
	LatencyMs float32
}

// ActionPreviewLength is the max chars stored in the action column.
const ActionPreviewLength = 500

// TruncateAction returns the first maxLen runes of an action for
// storage. It never splits a multi-byte UTF-8 character.
func TruncateAction(action string, maxLen int) string {
	runes := []rune(action)
	if len(runes) <= maxLen {
		return action
	}
	return string(runes[:maxLen])
}

// NopWriter discards every event.
type NopWriter struct{}

func (NopWriter) Write(*DecisionEvent) {}
func (NopWriter) Close()               {}
