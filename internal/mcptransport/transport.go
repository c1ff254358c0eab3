// Package mcptransport provides the channel kinds used to reach tool
// servers: a local process over stdio and remote SSE / streamable HTTP
// endpoints. All kinds present one interface; the hardening differs per
// kind (environment filtering for stdio, URL guarding and pinned dialing
// for remote).
package mcptransport

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	implName    = "bulwark"
	implVersion = "0.1.0"
)

// Kind identifies the channel type.
type Kind int

const (
	KindStdio Kind = iota + 1
	KindSSE
	KindStreamable
)

// String returns the wire name used in configuration files.
func (k Kind) String() string {
	switch k {
	case KindStdio:
		return "stdio"
	case KindSSE:
		return "sse"
	case KindStreamable:
		return "streamable_http"
	default:
		return "unspecified"
	}
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "stdio":
		return KindStdio, true
	case "sse":
		return KindSSE, true
	case "streamable_http", "http":
		return KindStreamable, true
	default:
		return 0, false
	}
}

// Transport is one connectable channel to a tool server. Connect performs
// the MCP initialize handshake and returns the live session; Disconnect
// tears it down. A Transport reconnects after Disconnect, which the
// manager uses for timeout-triggered recycling.
type Transport interface {
	Connect(ctx context.Context) (*mcp.ClientSession, error)
	Disconnect() error
	Type() Kind
}

func newClient() *mcp.Client {
	return mcp.NewClient(&mcp.Implementation{Name: implName, Version: implVersion}, nil)
}
