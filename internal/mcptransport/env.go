package mcptransport

import (
	"regexp"
	"sort"
	"strings"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

// inheritedEnv is the only part of the parent environment a spawned tool
// server receives. Everything else (tokens, cloud credentials, agent
// internals) stays behind.
var inheritedEnv = []string{"PATH", "HOME", "USER", "SHELL", "TMPDIR", "LANG", "LC_ALL"}

// reservedEnv names may never be overridden by a server configuration;
// they either redirect binary resolution or inject code into the child.
var reservedEnv = map[string]bool{
	"PATH":                  true,
	"HOME":                  true,
	"SHELL":                 true,
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"DYLD_INSERT_LIBRARIES": true,
}

var envKeyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// BuildEnv assembles the child environment for a spawned tool server:
// the allow-listed subset of parent plus validated overrides, in
// deterministic order.
func BuildEnv(parent []string, overrides map[string]string) ([]string, error) {
	inherited := make(map[string]string, len(parent))
	for _, entry := range parent {
		if k, v, ok := strings.Cut(entry, "="); ok {
			inherited[k] = v
		}
	}

	out := make([]string, 0, len(inheritedEnv)+len(overrides))
	for _, key := range inheritedEnv {
		if v, ok := inherited[key]; ok {
			out = append(out, key+"="+v)
		}
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !envKeyPattern.MatchString(k) {
			return nil, errdefs.Newf(errdefs.KindValidation, "invalid environment key: %q", k)
		}
		if reservedEnv[k] {
			return nil, errdefs.Newf(errdefs.KindPolicyViolation, "reserved environment key: %s", k)
		}
		out = append(out, k+"="+overrides[k])
	}
	return out, nil
}
