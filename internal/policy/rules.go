package policy

import "fmt"

// Ruleset is the engine's command policy: which command names run at all,
// which flags are refused per command, which flag values are workspace
// paths that must canonicalize inside the root, and numeric bounds for
// search-like commands. The allow and block sets must be disjoint.
type Ruleset struct {
	Allow map[string]bool
	Block map[string]bool

	// BlockedFlags rejects specific flags per command even when the
	// command itself is allowed.
	BlockedFlags map[string]map[string]bool

	// PathFlags marks flags whose following value (or =value) is a
	// filesystem path subject to workspace canonicalization.
	PathFlags map[string]map[string]bool

	// ValueFlags marks flags that consume the following token as a
	// plain value, so it is never misread as a positional path.
	ValueFlags map[string]map[string]bool

	// NumericFlagLimits caps numeric flag values per command. These
	// flags consume a value like ValueFlags entries.
	NumericFlagLimits map[string]map[string]int

	// PathPositionals maps a command to the index of its first
	// positional argument treated as a path; every positional from that
	// index on is canonicalized. Commands absent from the map have no
	// positional path arguments.
	PathPositionals map[string]int

	// PatternFlags marks flags that carry the search pattern for
	// commands whose first positional is otherwise the pattern. When one
	// is present, every positional is a path.
	PatternFlags map[string]map[string]bool
}

// Validate checks the disjointness invariant.
func (r *Ruleset) Validate() error {
	for name := range r.Allow {
		if r.Block[name] {
			return fmt.Errorf("Validate: command %q present in both allow and block sets", name)
		}
	}
	return nil
}

// DefaultRuleset returns the built-in policy for a coding agent
// workspace.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Allow: map[string]bool{
			// File inspection
			"cat": true, "head": true, "tail": true, "wc": true,
			"stat": true, "file": true, "du": true, "realpath": true,
			"dirname": true, "basename": true,
			// Directory listing
			"ls": true, "tree": true, "pwd": true,
			// Search
			"grep": true, "rg": true, "find": true,
			// Text processing
			"cut": true, "sort": true, "uniq": true, "tr": true,
			"diff": true, "comm": true,
			// Output
			"echo": true, "printf": true,
			// System info
			"which": true, "uname": true, "date": true, "whoami": true,
			// File manipulation inside the workspace
			"touch": true, "mkdir": true, "cp": true, "mv": true,
			// Toolchains
			"git": true, "go": true, "cargo": true, "make": true,
			"node": true, "npm": true, "npx": true, "yarn": true, "pnpm": true,
			"python": true, "python3": true, "pip": true, "pip3": true,
		},
		Block: map[string]bool{
			// Deletion and privilege
			"rm": true, "rmdir": true, "sudo": true, "su": true, "doas": true,
			"chmod": true, "chown": true, "chgrp": true,
			// Network egress
			"curl": true, "wget": true, "nc": true, "ncat": true,
			"ssh": true, "scp": true, "sftp": true, "rsync": true, "telnet": true,
			// Disk and system state
			"dd": true, "mkfs": true, "mount": true, "umount": true,
			"reboot": true, "shutdown": true, "halt": true, "poweroff": true,
			"systemctl": true, "service": true, "crontab": true, "at": true,
			// Process control
			"kill": true, "pkill": true, "killall": true,
			// Shell escapes
			"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true,
			"ksh": true, "csh": true, "eval": true, "exec": true,
			"env": true, "xargs": true, "nohup": true, "setsid": true,
			// Programmable interpreters with process escape hatches
			"awk": true, "sed": true, "perl": true, "ruby": true,
		},
		BlockedFlags: map[string]map[string]bool{
			"find": {
				"-delete": true, "-exec": true, "-execdir": true,
				"-ok": true, "-okdir": true, "-fprintf": true, "-fprint": true,
				"-fprint0": true,
			},
			"git": {
				"--exec-path": true, "--upload-pack": true, "--receive-pack": true,
			},
			"npm":     {"--unsafe-perm": true},
			"cp":      {"--remove-destination": true},
			"rg":      {"--pre": true, "--hostname-bin": true},
			"node":    {"-e": true, "--eval": true, "-p": true, "--print": true},
			"python":  {"-c": true},
			"python3": {"-c": true},
		},
		PathFlags: map[string]map[string]bool{
			"git":   {"-C": true, "--git-dir": true, "--work-tree": true},
			"make":  {"-C": true, "--directory": true, "-f": true, "--file": true},
			"npm":   {"--prefix": true},
			"go":    {"-C": true},
			"grep":  {"-f": true, "--file": true},
			"rg":    {"-f": true, "--file": true},
			"find":  {"-newer": true},
			"sort":  {"-o": true, "--output": true},
			"touch": {"-r": true, "--reference": true},
			"cp":    {"-t": true, "--target-directory": true},
			"mv":    {"-t": true, "--target-directory": true},
		},
		ValueFlags: map[string]map[string]bool{
			"find": {
				"-name": true, "-iname": true, "-path": true, "-ipath": true,
				"-regex": true, "-iregex": true, "-type": true, "-size": true,
				"-mtime": true, "-mmin": true, "-atime": true, "-amin": true,
				"-ctime": true, "-cmin": true, "-perm": true,
				"-user": true, "-group": true, "-printf": true,
			},
			"grep": {
				"-e": true, "--regexp": true,
				"--include": true, "--exclude": true, "--exclude-dir": true,
				"-d": true, "--binary-files": true,
			},
			"rg": {
				"-e": true, "--regexp": true,
				"-g": true, "--glob": true, "--iglob": true,
				"-t": true, "--type": true, "-T": true, "--type-not": true,
			},
			"cut": {
				"-d": true, "--delimiter": true, "-f": true, "--fields": true,
				"-c": true, "--characters": true, "-b": true, "--bytes": true,
			},
			"sort":  {"-t": true, "--field-separator": true, "-k": true, "--key": true},
			"uniq":  {"-f": true, "-s": true, "-w": true},
			"stat":  {"-c": true, "--format": true, "--printf": true},
			"touch": {"-d": true, "--date": true},
			"mkdir": {"-m": true, "--mode": true},
			"git":   {"-c": true},
		},
		NumericFlagLimits: map[string]map[string]int{
			"find": {"-maxdepth": 16, "-mindepth": 16},
			"grep": {
				"-m": 10000, "--max-count": 10000,
				"-A": 10000, "-B": 10000, "-C": 10000,
				"--after-context": 10000, "--before-context": 10000, "--context": 10000,
			},
			"rg": {
				"-m": 10000, "--max-count": 10000,
				"-A": 10000, "-B": 10000, "-C": 10000,
				"--after-context": 10000, "--before-context": 10000, "--context": 10000,
				"--max-depth": 16, "--maxdepth": 16,
				"-j": 16, "--threads": 16,
			},
			"head": {"-n": 100000, "--lines": 100000, "-c": 10485760, "--bytes": 10485760},
			"tail": {"-n": 100000, "--lines": 100000, "-c": 10485760, "--bytes": 10485760},
			"tree": {"-L": 16},
			"du":   {"-d": 16, "--max-depth": 16},
		},
		PathPositionals: map[string]int{
			"cat": 0, "head": 0, "tail": 0, "wc": 0, "stat": 0,
			"file": 0, "du": 0, "ls": 0, "tree": 0, "find": 0,
			"touch": 0, "mkdir": 0, "cp": 0, "mv": 0,
			"cut": 0, "diff": 0, "sort": 0, "uniq": 0, "comm": 0,
			"realpath": 0, "dirname": 0, "basename": 0,
			"grep": 1, "rg": 1,
		},
		PatternFlags: map[string]map[string]bool{
			"grep": {"-e": true, "--regexp": true, "-f": true, "--file": true},
			"rg":   {"-e": true, "--regexp": true, "-f": true, "--file": true},
		},
	}
}
