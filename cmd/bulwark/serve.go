package main

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/mcpserve"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the enforcement layer over MCP stdio",
		Long: `Serve the enforcement layer as an MCP tool server over stdio, so an
agent harness mounts it like any other tool server.

Expected to be executed by an agent harness, not by a human.
Confirmation prompts open the controlling terminal when one is
available; without one, unapproved actions are denied unless --yes is
set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(flags, buildOpts{promptOnTTY: true})
			if err != nil {
				return err
			}
			defer done()
			app.initServers(cmd.Context())

			server := mcpserve.NewServer(version)
			mcpserve.New(app.gate, app.logger).RegisterServer(server)

			app.logger.Info("serving MCP over stdio",
				zap.String("workspace", flags.workspace),
				zap.String("version", version))
			err = server.Run(cmd.Context(), &mcp.StdioTransport{})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
