package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage-ai/bulwark/internal/gate"
)

func newExecCommand(flags *rootFlags) *cobra.Command {
	var split bool
	cmd := &cobra.Command{
		Use:   "exec COMMAND [ARG...]",
		Short: "Run one command through the enforcement pipeline",
		Long: `Run one command through tokenization, the command policy, and workspace
path confinement, then under a supervisor that caps output and enforces
a deadline. No shell is involved; pipes, redirection, and command
chaining are rejected.

The child's exit code becomes bulwark's exit code.`,
		Example: `  bulwark exec git status
  bulwark exec -- grep -r "TODO" src
  bulwark exec --split -- printf %s 'a literal; semicolon'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(flags, buildOpts{})
			if err != nil {
				return err
			}
			defer done()

			var res *gate.ExecResult
			if split {
				res, err = app.gate.ExecuteArgs(cmd.Context(), args[0], args[1:])
			} else {
				res, err = app.gate.Execute(cmd.Context(), strings.Join(args, " "))
			}
			if res != nil {
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			}
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return &exitCodeError{code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&split, "split", false,
		"treat the arguments as a pre-split argv, skipping tokenization")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
