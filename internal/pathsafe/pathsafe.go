// Package pathsafe maps user supplied relative paths onto the storage
// root and refuses anything that could reach outside of it.
package pathsafe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrTraversal is wrapped by every PathError.
var ErrTraversal = errors.New("path escapes root")

// Kind classifies a rejected path.
type Kind int

const (
	// Traversal covers every way of leaving the root: "..", absolute
	// input, null bytes and symlinks pointing outside.
	Traversal Kind = iota + 1
)

func (k Kind) String() string {
	if k == Traversal {
		return "traversal"
	}
	return "unknown"
}

// PathError reports a rejected user path. It never carries the resolved
// absolute path so it is safe to log next to client input.
type PathError struct {
	Kind   Kind
	Input  string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("pathsafe: %s: %q: %s", e.Kind, e.Input, e.Reason)
}

func (e *PathError) Unwrap() error { return ErrTraversal }

// Resolver resolves paths under a fixed root.
type Resolver struct {
	root     string // absolute, cleaned
	realRoot string // root with symlinks evaluated
}

// New creates a Resolver for root, which must be an existing directory.
func New(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	return &Resolver{root: filepath.Clean(abs), realRoot: filepath.Clean(real)}, nil
}

// Resolve is a convenience wrapper for one-off checks.
func Resolve(root, userPath string) (string, error) {
	r, err := New(root)
	if err != nil {
		return "", err
	}
	return r.Resolve(userPath)
}

// Root returns the absolute root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the absolute path for userPath. "" and "." mean the
// root itself. The target does not have to exist; if it does, its real
// path must stay under the real root.
func (r *Resolver) Resolve(userPath string) (string, error) {
	reject := func(reason string) (string, error) {
		return "", &PathError{Kind: Traversal, Input: userPath, Reason: reason}
	}

	if strings.ContainsRune(userPath, 0) {
		return reject("null byte")
	}

	p := strings.ReplaceAll(userPath, "\\", "/")
	if strings.HasPrefix(p, "/") || filepath.IsAbs(userPath) || filepath.VolumeName(userPath) != "" {
		return reject("absolute path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return reject("parent segment")
		}
	}

	abs := filepath.Join(r.root, filepath.FromSlash(p))
	if !within(r.root, abs) {
		return reject("outside root")
	}

	real, err := filepath.EvalSymlinks(abs)
	switch {
	case err == nil:
		if !within(r.realRoot, real) {
			return reject("symlink outside root")
		}
	case errors.Is(err, fs.ErrNotExist):
		// Missing targets are reported as not found by the caller.
	default:
		return "", fmt.Errorf("eval %q: %w", userPath, err)
	}

	return abs, nil
}

// Rel returns the slash separated path of abs relative to the root.
// The root itself is "". ok is false when abs is not under the root.
func (r *Resolver) Rel(abs string) (rel string, ok bool) {
	if !within(r.root, abs) {
		return "", false
	}
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

func within(root, p string) bool {
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
