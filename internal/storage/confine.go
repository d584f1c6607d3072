package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPath is returned for client paths that cannot name a file
	// at all (for example ones containing NUL bytes).
	ErrInvalidPath = errors.New("invalid path")

	// ErrOutsideRoot is returned when a path resolves outside the root,
	// which can only happen through a symbolic link.
	ErrOutsideRoot = errors.New("path escapes root")
)

// Confine maps a client-supplied, '/'-separated path onto the filesystem
// below root. root must be absolute and already canonical (see
// CanonicalRoot).
//
// The path is cleaned as if rooted at "/", so ".." components can never
// climb above root: "../../../tmp/evil" becomes <root>/tmp/evil. The
// deepest existing ancestor of the result is then resolved through any
// symbolic links and must still lie under root; otherwise ErrOutsideRoot
// is returned and nothing is touched.
func Confine(root, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}

	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	full := root
	if rel != "" {
		full = filepath.Join(root, filepath.FromSlash(rel))
	}

	real, err := resolveExisting(full)
	if err != nil {
		return "", err
	}
	if !within(root, real) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return full, nil
}

// CanonicalRoot returns the absolute, symlink-free form of root.
func CanonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	return real, nil
}

// Resolve returns the absolute form of p with symbolic links evaluated in
// every component that exists.
func Resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return resolveExisting(abs)
}

// resolveExisting evaluates symlinks in the longest existing prefix of p
// and re-attaches the components that do not exist yet.
func resolveExisting(p string) (string, error) {
	var missing []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", cur, err)
		}
		// A dangling link would be followed by a later create.
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", fmt.Errorf("%w: dangling link %s", ErrOutsideRoot, cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("resolve %s: %w", p, err)
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
