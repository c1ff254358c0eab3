package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

func newToolCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Call tools on trusted servers",
	}
	cmd.AddCommand(newToolCallCommand(flags))
	return cmd
}

func newToolCallCommand(flags *rootFlags) *cobra.Command {
	var (
		rawArgs string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call NAME",
		Short: "Call one tool by its namespaced name",
		Long: `Call one tool, addressed as mcp__<server>__<tool>, on a trusted server.
Arguments are validated against the tool's declared schema before
anything crosses the wire.`,
		Example: `  bulwark tool call mcp__github__create_issue --args '{"title": "crash on start"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			app, done, err := buildApp(flags, buildOpts{callTimeout: timeout})
			if err != nil {
				return err
			}
			defer done()
			app.initServers(cmd.Context())

			res, err := app.gate.CallTool(cmd.Context(), args[0], toolArgs)
			if err != nil {
				return err
			}
			for _, content := range res.Result.Content {
				if tc, ok := content.(*mcp.TextContent); ok {
					fmt.Fprintln(cmd.OutOrStdout(), tc.Text)
				}
			}
			if res.IsError {
				return &exitCodeError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArgs, "args", "", "tool arguments as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-call timeout (default 1m)")
	return cmd
}

func newToolsCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools available on the trusted servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(flags, buildOpts{})
			if err != nil {
				return err
			}
			defer done()
			app.initServers(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tDESCRIPTION")
			for _, entry := range app.gate.GetTools() {
				fmt.Fprintf(w, "%s\t%s\n", entry.ID(), firstLine(entry.Tool.Description))
			}
			return w.Flush()
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
