package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/triage-ai/bulwark/internal/mcpmanager"
)

func newServerCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage trusted tool servers",
	}
	cmd.AddCommand(
		newServerAddCommand(flags),
		newServerRemoveCommand(flags),
		newServerListCommand(flags),
	)
	return cmd
}

func newServerAddCommand(flags *rootFlags) *cobra.Command {
	var (
		command           string
		url               string
		transport         string
		env               []string
		headers           []string
		allowLocalHTTP    bool
		allowPrivateHTTPS bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Trust a tool server and connect to it",
		Long: `Trust a tool server configuration and connect to it. The configuration's
fingerprint is shown before the trust prompt; declining persists
nothing. A later change to the stored configuration invalidates the
approval and the server will not connect until re-approved.`,
		Example: `  bulwark server add github --command "github-mcp serve" --env GITHUB_TOKEN=ghp_xxx
  bulwark server add docs --url https://docs.example.com/mcp --transport http`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mcpmanager.ServerConfig{
				Name:              args[0],
				URL:               url,
				Transport:         transport,
				AllowLocalHTTP:    allowLocalHTTP,
				AllowPrivateHTTPS: allowPrivateHTTPS,
			}
			if command != "" {
				parts, err := shellwords.Parse(command)
				if err != nil {
					return fmt.Errorf("parse --command: %w", err)
				}
				if len(parts) > 0 {
					cfg.Command = parts[0]
					cfg.Args = parts[1:]
				}
			}
			var err error
			if cfg.Env, err = requirePairs(env, "--env"); err != nil {
				return err
			}
			if cfg.Headers, err = requirePairs(headers, "--header"); err != nil {
				return err
			}

			app, done, err := buildApp(flags, buildOpts{})
			if err != nil {
				return err
			}
			defer done()

			if err := app.gate.AddServer(cmd.Context(), cfg); err != nil {
				return err
			}
			for _, s := range app.gate.GetServers() {
				if s.Name == cfg.Name {
					fmt.Fprintf(cmd.OutOrStdout(), "server %s trusted and connected (%d tools)\n", s.Name, s.Tools)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "command line that starts the server over stdio")
	cmd.Flags().StringVar(&url, "url", "", "endpoint of a remote server")
	cmd.Flags().StringVar(&transport, "transport", "", "remote transport kind [sse, http]")
	cmd.Flags().StringArrayVar(&env, "env", nil, "environment for the stdio server, KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "extra HTTP header, KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&allowLocalHTTP, "allow-local-http", false, "permit plain http to loopback addresses")
	cmd.Flags().BoolVar(&allowPrivateHTTPS, "allow-private-https", false, "permit https to private addresses")
	return cmd
}

func newServerRemoveCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Disconnect a server and drop its configuration and trust record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(flags, buildOpts{})
			if err != nil {
				return err
			}
			defer done()
			if err := app.gate.RemoveServer(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %s removed\n", args[0])
			return nil
		},
	}
}

func newServerListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(flags, buildOpts{})
			if err != nil {
				return err
			}
			defer done()
			app.initServers(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tTOOLS\tCONNECTED")
			for _, s := range app.gate.GetServers() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Kind, s.Tools,
					s.ConnectedAt.Format("15:04:05"))
			}
			return w.Flush()
		},
	}
}

func splitPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return m, fmt.Errorf("not a KEY=VALUE pair: %q", p)
		}
		m[k] = v
	}
	return m, nil
}

func requirePairs(pairs []string, flag string) (map[string]string, error) {
	m, err := splitPairs(pairs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return m, nil
}
