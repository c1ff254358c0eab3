// Package workspace confines filesystem access to a single canonical root.
// Every path a command may touch is resolved through the Resolver before
// use; anything that escapes the root, directly or through a symlink, is
// rejected.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

// Resolver canonicalizes candidate paths against a fixed workspace root.
// The root is symlink-resolved once at construction; all checks compare
// against its real location.
type Resolver struct {
	root string
}

// NewResolver resolves root to its real absolute path and returns a
// Resolver bound to it. The root must exist and be a directory.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("NewResolver: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("NewResolver: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("NewResolver: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("NewResolver: workspace root %s is not a directory", real)
	}
	return &Resolver{root: real}, nil
}

// Root returns the canonical workspace root.
func (r *Resolver) Root() string {
	return r.root
}

// Canonicalize validates candidate relative to cwd and returns its
// canonical absolute path, guaranteed to be the root or strictly nested
// under it. Absolute candidates and any ".." segment are rejected outright.
// Existing targets are resolved through symlinks; for targets that do not
// exist yet, the nearest existing ancestor is resolved and the remaining
// suffix reattached, so a symlinked ancestor cannot redirect a new file
// outside the workspace.
//
// Validation and use are separated by confirmation prompts, so callers
// must Verify the result again immediately before acting on it.
func (r *Resolver) Canonicalize(cwd, candidate string) (string, error) {
	if candidate == "" {
		return "", errdefs.New(errdefs.KindValidation, "empty path")
	}
	if filepath.IsAbs(candidate) {
		return "", errdefs.Newf(errdefs.KindPolicyViolation, "absolute path not allowed: %s", candidate)
	}
	for _, seg := range strings.Split(filepath.ToSlash(candidate), "/") {
		if seg == ".." {
			return "", errdefs.Newf(errdefs.KindPolicyViolation, "path traversal not allowed: %s", candidate)
		}
	}

	resolved, err := r.resolveThrough(filepath.Join(cwd, candidate))
	if err != nil {
		return "", err
	}
	if !r.contains(resolved) {
		return "", errdefs.Newf(errdefs.KindPolicyViolation, "path outside workspace: %s", candidate)
	}
	return resolved, nil
}

// Verify re-resolves a previously canonicalized absolute path and checks
// that it still lies inside the workspace. It closes the window between an
// earlier Canonicalize and the moment the path is acted on.
func (r *Resolver) Verify(canonical string) error {
	if !filepath.IsAbs(canonical) {
		return errdefs.Newf(errdefs.KindValidation, "not an absolute path: %s", canonical)
	}
	resolved, err := r.resolveThrough(canonical)
	if err != nil {
		return err
	}
	if !r.contains(resolved) {
		return errdefs.Newf(errdefs.KindPolicyViolation, "path outside workspace: %s", canonical)
	}
	return nil
}

// resolveThrough resolves symlinks in p. For targets that do not exist the
// nearest existing ancestor is resolved and the remaining suffix
// reattached, so a symlinked ancestor cannot redirect a new file outside
// the workspace.
func (r *Resolver) resolveThrough(p string) (string, error) {
	existing := p
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", errdefs.Wrap(errdefs.KindValidation, "stat "+existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", errdefs.Newf(errdefs.KindPolicyViolation, "no existing ancestor for %s", p)
		}
		suffix = append(suffix, filepath.Base(existing))
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindValidation, "resolve "+existing, err)
	}

	resolved := real
	for i := len(suffix) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, suffix[i])
	}
	return resolved, nil
}

// CanonicalizeDir is Canonicalize restricted to existing directories.
func (r *Resolver) CanonicalizeDir(cwd, candidate string) (string, error) {
	resolved, err := r.Canonicalize(cwd, candidate)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.Newf(errdefs.KindValidation, "no such directory: %s", candidate)
		}
		return "", errdefs.Wrap(errdefs.KindValidation, "stat "+resolved, err)
	}
	if !info.IsDir() {
		return "", errdefs.Newf(errdefs.KindValidation, "not a directory: %s", candidate)
	}
	return resolved, nil
}

func (r *Resolver) contains(p string) bool {
	return p == r.root || strings.HasPrefix(p, r.root+string(filepath.Separator))
}
