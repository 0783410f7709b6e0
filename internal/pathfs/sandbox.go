package pathfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/renode-ws-proxy/ws-proxy/internal/wsproto"
)

// Sandbox resolves client-supplied relative paths under a fixed root,
// refusing anything that would escape it via ".." or a symlink.
type Sandbox struct {
	root string // absolute, symlink-resolved
}

// NewSandbox creates a sandbox rooted at dir, which must already exist.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &Sandbox{root: real}, nil
}

// Root returns the sandbox's canonical absolute root directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps a client-supplied relative path to an absolute path under
// root, rejecting traversal outside it. An empty path resolves to root.
//
// For paths whose final component(s) don't exist yet (create operations),
// the longest existing prefix is canonicalized and the containment check
// applied to that prefix plus the literal remainder.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if rel == "" {
		return s.root, nil
	}
	// Reject absolute paths and embedded NUL outright — never trust a
	// client-supplied path to mean what an OS absolute path means.
	if filepath.IsAbs(rel) {
		return "", wsproto.NewError(wsproto.ErrPathEscape, fmt.Errorf("absolute path %q", rel))
	}
	if strings.IndexByte(rel, 0) >= 0 {
		return "", wsproto.NewError(wsproto.ErrPathEscape, fmt.Errorf("path %q contains NUL", rel))
	}

	joined := filepath.Join(s.root, rel)
	// filepath.Join already cleans ".."  segments relative to root, but a
	// cleaned path can still land outside root (e.g. "../../etc"), so the
	// containment check below is the real guard, not this Join.

	existing, remainder, err := longestExistingPrefix(joined)
	if err != nil {
		return "", wsproto.NewError(wsproto.ErrIO, err)
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", wsproto.NewError(wsproto.ErrIO, err)
	}

	candidate := real
	if remainder != "" {
		candidate = filepath.Join(real, remainder)
	}

	if !s.contains(real) || !s.contains(candidate) {
		return "", wsproto.NewError(wsproto.ErrPathEscape, fmt.Errorf("%q escapes root", rel))
	}
	return candidate, nil
}

// contains reports whether p is root or a descendant of root.
func (s *Sandbox) contains(p string) bool {
	if p == s.root {
		return true
	}
	return strings.HasPrefix(p, s.root+string(filepath.Separator))
}

// Rel converts an absolute path known to be under root back to a
// root-relative path, for echoing back in responses.
func (s *Sandbox) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// longestExistingPrefix walks p upward from the full path until it finds a
// segment that exists on disk, returning that existing prefix and the
// (possibly empty) remainder joined back with slashes.
func longestExistingPrefix(p string) (existing, remainder string, err error) {
	cur := p
	var tail []string
	for {
		info, statErr := os.Lstat(cur)
		if statErr == nil {
			_ = info
			return cur, filepath.Join(tail...), nil
		}
		if !os.IsNotExist(statErr) {
			return "", "", statErr
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached filesystem root without finding anything that exists.
			return cur, filepath.Join(tail...), nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}
