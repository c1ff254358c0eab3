package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"

	"github.com/triage-ai/bulwark/internal/confirm"
)

const (
	choiceApprove = "approve"
	choiceSession = "approve for this session"
	choiceDeny    = "deny"
)

// surveyConfirmer prompts on the terminal. Detail lines go to stderr so
// stdout stays clean for command output and the MCP wire.
type surveyConfirmer struct {
	in  terminal.FileReader
	out terminal.FileWriter
}

func (c *surveyConfirmer) Confirm(_ context.Context, req confirm.Request) (confirm.Decision, error) {
	if req.Detail != "" {
		fmt.Fprintln(os.Stderr, req.Detail)
	}
	var choice string
	prompt := &survey.Select{
		Message: req.Summary,
		Options: []string{choiceApprove, choiceSession, choiceDeny},
		Default: choiceDeny,
	}
	if err := survey.AskOne(prompt, &choice, survey.WithStdio(c.in, c.out, os.Stderr)); err != nil {
		return confirm.Decision{}, err
	}
	switch choice {
	case choiceApprove:
		return confirm.Decision{Approved: true}, nil
	case choiceSession:
		return confirm.Decision{Approved: true, ApplySession: true}, nil
	default:
		return confirm.Decision{}, nil
	}
}

// newConfirmer picks the confirmation provider. --yes pre-approves
// everything; a non-interactive run denies everything it would have
// asked about.
func newConfirmer(flags *rootFlags, promptOnTTY bool) confirm.Confirmer {
	if flags.yes {
		return confirm.Static{Approve: true}
	}
	if !flags.tty {
		return confirm.Static{Approve: false}
	}
	if promptOnTTY {
		tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
		if err != nil {
			return confirm.Static{Approve: false}
		}
		return confirm.NewSession(&surveyConfirmer{in: tty, out: tty})
	}
	return confirm.NewSession(&surveyConfirmer{in: os.Stdin, out: os.Stderr})
}
