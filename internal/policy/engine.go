package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/confirm"
	"github.com/triage-ai/bulwark/internal/errdefs"
	"github.com/triage-ai/bulwark/internal/workspace"
)

// Engine authorizes command invocations against the ruleset and the
// workspace root before anything is spawned. It never executes commands
// itself; callers spawn only what Authorize returns, after a final
// Recheck.
type Engine struct {
	rules     *Ruleset
	resolver  *workspace.Resolver
	confirmer confirm.Confirmer
	logger    *zap.Logger
}

// NewEngine builds an Engine. A nil ruleset selects DefaultRuleset. The
// resolver and confirmer are required; the engine fails closed rather
// than run without either.
func NewEngine(rules *Ruleset, resolver *workspace.Resolver, confirmer confirm.Confirmer, logger *zap.Logger) (*Engine, error) {
	if rules == nil {
		rules = DefaultRuleset()
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("NewEngine: %w", err)
	}
	if resolver == nil {
		return nil, fmt.Errorf("NewEngine: nil resolver")
	}
	if confirmer == nil {
		return nil, fmt.Errorf("NewEngine: nil confirmer")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{rules: rules, resolver: resolver, confirmer: confirmer, logger: logger}, nil
}

// Authorized is a vetted invocation ready to spawn. Args carry
// canonicalized absolute paths wherever the original arguments named
// workspace paths.
type Authorized struct {
	Command string
	Args    []string

	// ChangeDir is set for the directory-change command. Nothing is
	// spawned; the caller updates its working directory instead.
	ChangeDir string

	// Tier is set when Command is git.
	Tier GitTier

	paths []string
}

// Authorize runs the full decision pipeline for one invocation: tokenize,
// block list, directory-change handling, allow list, metacharacter scan
// for raw input, path canonicalization, flag policy, numeric bounds, git
// tier classification, and user confirmation. cwd must be a canonical
// directory inside the workspace.
func (e *Engine) Authorize(ctx context.Context, cwd string, inv Invocation) (*Authorized, error) {
	command, args, err := split(inv)
	if err != nil {
		return nil, err
	}

	if e.rules.Block[command] {
		e.logger.Warn("command blocked", zap.String("command", command))
		return nil, errdefs.Newf(errdefs.KindPolicyViolation, "command not permitted: %s", command)
	}

	if command == "cd" {
		return e.authorizeChdir(cwd, args)
	}

	if !e.rules.Allow[command] {
		e.logger.Warn("command not in allow list", zap.String("command", command))
		return nil, errdefs.Newf(errdefs.KindPolicyViolation, "command not in allow list: %s", command)
	}

	// Pre-split arguments are passed verbatim to exec and cannot reach a
	// shell, so only the raw form is scanned.
	if inv.fromRaw {
		if ch := findMetachar(inv.raw); ch != "" {
			e.logger.Warn("unsafe shell metacharacter",
				zap.String("command", command),
				zap.String("metacharacter", ch))
			return nil, errdefs.Newf(errdefs.KindPolicyViolation, "unsafe shell metacharacter %q", ch)
		}
	}

	args = append([]string(nil), args...)
	cleaned, paths, err := e.checkArgs(command, args, cwd)
	if err != nil {
		return nil, err
	}

	var tier GitTier
	if command == "git" {
		tier = ClassifyGit(cleaned)
		if tier == GitDestructive {
			e.logger.Warn("destructive git operation", zap.Strings("args", args))
			return nil, errdefs.New(errdefs.KindPolicyViolation, "destructive git operation")
		}
	}

	if err := e.confirmInvocation(ctx, command, args, tier); err != nil {
		return nil, err
	}

	e.logger.Debug("command authorized",
		zap.String("command", command),
		zap.Int("arg_count", len(args)),
		zap.Int("path_count", len(paths)))
	return &Authorized{Command: command, Args: args, Tier: tier, paths: paths}, nil
}

// Recheck re-verifies every canonicalized path in a, immediately before
// the caller acts on it. A path vetted earlier may have been swapped for
// a symlink while a confirmation prompt was open.
func (e *Engine) Recheck(a *Authorized) error {
	if a.ChangeDir != "" {
		if err := e.resolver.Verify(a.ChangeDir); err != nil {
			return err
		}
	}
	for _, p := range a.paths {
		if err := e.resolver.Verify(p); err != nil {
			return err
		}
	}
	return nil
}

func split(inv Invocation) (string, []string, error) {
	if inv.fromRaw {
		tokens, err := Tokenize(inv.raw)
		if err != nil {
			return "", nil, errdefs.Wrap(errdefs.KindValidation, "malformed command", err)
		}
		if len(tokens) == 0 {
			return "", nil, errdefs.New(errdefs.KindValidation, "empty command")
		}
		return tokens[0], tokens[1:], nil
	}
	if inv.command == "" {
		return "", nil, errdefs.New(errdefs.KindValidation, "empty command")
	}
	return inv.command, inv.args, nil
}

func (e *Engine) authorizeChdir(cwd string, args []string) (*Authorized, error) {
	if len(args) > 1 {
		return nil, errdefs.New(errdefs.KindValidation, "cd takes at most one argument")
	}
	if len(args) == 0 {
		return &Authorized{Command: "cd", ChangeDir: e.resolver.Root()}, nil
	}
	dir, err := e.resolver.CanonicalizeDir(cwd, args[0])
	if err != nil {
		return nil, err
	}
	return &Authorized{Command: "cd", Args: args, ChangeDir: dir}, nil
}

// checkArgs walks the argument vector once: it rejects blocked flags,
// bounds numeric flag values, canonicalizes path flag values and path
// positionals in place, and skips tokens consumed as flag values. It
// returns the vector with flag values removed, for subcommand
// classification, plus every canonical path it produced.
func (e *Engine) checkArgs(command string, args []string, cwd string) ([]string, []string, error) {
	blocked := e.rules.BlockedFlags[command]
	pathFlags := e.rules.PathFlags[command]
	valueFlags := e.rules.ValueFlags[command]
	numeric := e.rules.NumericFlagLimits[command]

	pathFrom, hasPathPos := e.rules.PathPositionals[command]
	if pats := e.rules.PatternFlags[command]; len(pats) > 0 {
		for _, a := range args {
			name, _, _ := splitFlag(a)
			if pats[name] {
				pathFrom = 0
				break
			}
		}
	}

	cleaned := make([]string, 0, len(args))
	var paths []string
	positional := 0
	optionsDone := false

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !optionsDone && a == "--" {
			optionsDone = true
			cleaned = append(cleaned, a)
			continue
		}
		if !optionsDone && len(a) > 1 && a[0] == '-' {
			name, inline, hasInline := splitFlag(a)
			if blocked[name] {
				return nil, nil, errdefs.Newf(errdefs.KindPolicyViolation, "flag not permitted: %s %s", command, name)
			}
			cleaned = append(cleaned, a)
			if limit, ok := numeric[name]; ok {
				value := inline
				if !hasInline {
					if i+1 >= len(args) {
						return nil, nil, errdefs.Newf(errdefs.KindValidation, "flag %s requires a value", name)
					}
					i++
					value = args[i]
				}
				if err := boundNumeric(name, value, limit); err != nil {
					return nil, nil, err
				}
				continue
			}
			if pathFlags[name] {
				value := inline
				if !hasInline {
					if i+1 >= len(args) {
						return nil, nil, errdefs.Newf(errdefs.KindValidation, "flag %s requires a value", name)
					}
					i++
					value = args[i]
				}
				canon, err := e.resolver.Canonicalize(cwd, value)
				if err != nil {
					return nil, nil, err
				}
				if hasInline {
					args[i] = name + "=" + canon
				} else {
					args[i] = canon
				}
				paths = append(paths, canon)
				continue
			}
			if valueFlags[name] {
				if !hasInline {
					if i+1 >= len(args) {
						return nil, nil, errdefs.Newf(errdefs.KindValidation, "flag %s requires a value", name)
					}
					i++
				}
				continue
			}
			if flag, value, ok := splitShortNumeric(name); ok {
				if limit, ok := numeric[flag]; ok {
					if err := boundNumeric(flag, value, limit); err != nil {
						return nil, nil, err
					}
				}
			}
			continue
		}

		cleaned = append(cleaned, a)
		// "-" is the stdin marker, not a path.
		if a != "-" && hasPathPos && positional >= pathFrom {
			canon, err := e.resolver.Canonicalize(cwd, a)
			if err != nil {
				return nil, nil, err
			}
			args[i] = canon
			paths = append(paths, canon)
		}
		positional++
	}
	return cleaned, paths, nil
}

func (e *Engine) confirmInvocation(ctx context.Context, command string, args []string, tier GitTier) error {
	line := command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	dec, err := e.confirmer.Confirm(ctx, confirm.Request{
		Category: confirm.CategoryCommand,
		Summary:  "run " + command,
		Detail:   line,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindPolicyViolation, "confirmation unavailable", err)
	}
	if !dec.Approved {
		return errdefs.Newf(errdefs.KindPolicyViolation, "declined: %s", command)
	}
	if tier != GitMutating {
		return nil
	}
	dec, err = e.confirmer.Confirm(ctx, confirm.Request{
		Category: confirm.CategoryGitMutation,
		Summary:  "git mutation",
		Detail:   line,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindPolicyViolation, "confirmation unavailable", err)
	}
	if !dec.Approved {
		return errdefs.New(errdefs.KindPolicyViolation, "declined: git mutation")
	}
	return nil
}

// findMetachar reports the first shell metacharacter in raw, quoted or
// not. No shell ever runs these commands; the scan exists to catch an
// agent that composed a shell one-liner expecting chaining, substitution,
// or redirection to work.
func findMetachar(raw string) string {
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case ';', '|', '&', '`', '<', '>':
			return string(raw[i])
		case '\n', '\r':
			return "\\n"
		case '$':
			if i+1 < len(raw) && raw[i+1] == '(' {
				return "$("
			}
		}
	}
	return ""
}

// splitFlag separates --flag=value forms.
func splitFlag(a string) (name, value string, ok bool) {
	if i := strings.IndexByte(a, '='); i >= 0 {
		return a[:i], a[i+1:], true
	}
	return a, "", false
}

// splitShortNumeric recognizes a short flag with its numeric value
// attached: -n100 yields ("-n", "100"), and the legacy bare count -100
// is treated as -n.
func splitShortNumeric(name string) (flag, value string, ok bool) {
	if len(name) < 2 || name[0] != '-' || name[1] == '-' {
		return "", "", false
	}
	if allDigits(name[1:]) {
		return "-n", name[1:], true
	}
	if len(name) >= 3 && allDigits(name[2:]) {
		return name[:2], name[2:], true
	}
	return "", "", false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func boundNumeric(name, value string, limit int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return errdefs.Newf(errdefs.KindValidation, "flag %s requires an integer value, got %q", name, value)
	}
	if n > limit {
		return errdefs.Newf(errdefs.KindResourceExceeded, "flag %s value %d exceeds limit %d", name, n, limit)
	}
	return nil
}
