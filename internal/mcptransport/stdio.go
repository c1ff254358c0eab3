package mcptransport

import (
	"context"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

// StdioTransport spawns a local tool server process and speaks MCP over
// its stdin/stdout. The child environment is built once at construction
// so invalid overrides fail before anything runs.
type StdioTransport struct {
	command string
	args    []string
	env     []string
	logger  *zap.Logger

	session *mcp.ClientSession
}

func NewStdio(command string, args []string, overrides map[string]string, logger *zap.Logger) (*StdioTransport, error) {
	if command == "" {
		return nil, errdefs.New(errdefs.KindValidation, "stdio transport requires a command")
	}
	env, err := BuildEnv(os.Environ(), overrides)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{command: command, args: args, env: env, logger: logger}, nil
}

func (t *StdioTransport) Connect(ctx context.Context) (*mcp.ClientSession, error) {
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = t.env

	session, err := newClient().Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, "connect "+t.command, err)
	}
	t.logger.Debug("stdio server connected", zap.String("command", t.command))
	t.session = session
	return session, nil
}

func (t *StdioTransport) Disconnect() error {
	if t.session == nil {
		return nil
	}
	err := t.session.Close()
	t.session = nil
	return err
}

func (t *StdioTransport) Type() Kind {
	return KindStdio
}
