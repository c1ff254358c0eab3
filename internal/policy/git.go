package policy

import "strings"

// GitTier classifies a git invocation by the damage it can do.
type GitTier int

const (
	// GitReadOnly inspects state and never changes it.
	GitReadOnly GitTier = iota + 1
	// GitMutating changes local or remote state in a recoverable way and
	// requires its own explicit confirmation.
	GitMutating
	// GitDestructive discards history or working-tree content and is
	// always blocked, regardless of any allow-list or confirmation.
	GitDestructive
)

// String returns the lowercase tier name.
func (t GitTier) String() string {
	switch t {
	case GitReadOnly:
		return "read_only"
	case GitMutating:
		return "mutating"
	case GitDestructive:
		return "destructive"
	default:
		return "unspecified"
	}
}

// The three tier sets are pairwise disjoint; classification consults them
// after flag escalation, so `push --force` is destructive even though
// `push` alone is mutating.
var gitReadOnlySubcommands = map[string]bool{
	"status":    true,
	"log":       true,
	"diff":      true,
	"show":      true,
	"blame":     true,
	"reflog":    true,
	"rev-parse": true,
	"ls-files":  true,
	"ls-remote": true,
	"ls-tree":   true,
	"cat-file":  true,
	"describe":  true,
	"shortlog":  true,
	"grep":      true,
	"var":       true,
}

var gitMutatingSubcommands = map[string]bool{
	"add":         true,
	"commit":      true,
	"checkout":    true,
	"switch":      true,
	"restore":     true,
	"merge":       true,
	"rebase":      true,
	"pull":        true,
	"fetch":       true,
	"push":        true,
	"cherry-pick": true,
	"revert":      true,
	"stash":       true,
	"tag":         true,
	"branch":      true,
	"remote":      true,
	"mv":          true,
	"rm":          true,
	"init":        true,
	"apply":       true,
	"am":          true,
	"worktree":    true,
	"submodule":   true,
	"reset":       true,
}

var gitDestructiveSubcommands = map[string]bool{
	"clean":         true,
	"filter-branch": true,
	"filter-repo":   true,
	"update-ref":    true,
	"prune":         true,
	"gc":            true,
}

// Flags that escalate an otherwise mutating subcommand to destructive.
var gitDestructiveFlags = map[string][]string{
	"push":     {"--force", "-f", "--force-with-lease", "--force-if-includes", "--delete", "-d", "--prune", "--mirror"},
	"reset":    {"--hard", "--merge", "--keep"},
	"branch":   {"-D", "--delete", "-d"},
	"tag":      {"-d", "--delete"},
	"checkout": {"--force", "-f"},
}

// Second-level words that escalate a subcommand to destructive.
var gitDestructiveWords = map[string][]string{
	"stash":  {"drop", "clear"},
	"remote": {"remove", "rm", "prune"},
}

// ClassifyGit returns the tier for a git argument list. The subcommand is
// the first non-flag argument; unknown subcommands classify as mutating so
// they still require explicit confirmation.
func ClassifyGit(args []string) GitTier {
	sub := ""
	subIdx := -1
	for i, a := range args {
		if a == "--" || strings.HasPrefix(a, "-") {
			continue
		}
		sub = a
		subIdx = i
		break
	}
	if sub == "" {
		return GitReadOnly // bare `git` prints usage
	}

	if gitDestructiveSubcommands[sub] {
		return GitDestructive
	}
	if esc, ok := gitDestructiveFlags[sub]; ok {
		for _, a := range args[subIdx+1:] {
			flag := a
			if idx := strings.IndexByte(a, '='); idx >= 0 {
				flag = a[:idx]
			}
			for _, d := range esc {
				if flag == d {
					return GitDestructive
				}
			}
		}
	}
	if words, ok := gitDestructiveWords[sub]; ok {
		for _, a := range args[subIdx+1:] {
			if strings.HasPrefix(a, "-") {
				continue
			}
			for _, w := range words {
				if a == w {
					return GitDestructive
				}
			}
			break
		}
	}
	if gitReadOnlySubcommands[sub] {
		return GitReadOnly
	}
	if gitMutatingSubcommands[sub] {
		return GitMutating
	}
	return GitMutating
}
