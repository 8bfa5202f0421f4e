package deckguard

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	ReasonTraversal    = "traversal"
	ReasonExtension    = "extension"
	ReasonUnresolvable = "unresolvable"
)

// ValidatePath returns the canonical form of path when it lies inside one
// of allowedRoots and carries one of allowedExtensions. Symlinks are
// resolved on both sides before the containment check; a path that does not
// exist yet is resolved through its deepest existing ancestor.
func ValidatePath(path string, allowedRoots, allowedExtensions []string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", &PathValidationError{Path: path, Reason: ReasonUnresolvable}
	}
	canonical, err := canonicalPath(path)
	if err != nil {
		return "", &PathValidationError{Path: path, Reason: ReasonUnresolvable}
	}
	if !hasAllowedExtension(canonical, allowedExtensions) {
		return "", &PathValidationError{Path: canonical, Reason: ReasonExtension}
	}
	for _, root := range allowedRoots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		resolvedRoot, err := canonicalPath(root)
		if err != nil {
			continue
		}
		if within(resolvedRoot, canonical) {
			return canonical, nil
		}
	}
	return "", &PathValidationError{Path: canonical, Reason: ReasonTraversal}
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	// Walk up to the deepest ancestor that exists and re-attach the rest.
	var rest []string
	cur := abs
	for {
		parent := filepath.Dir(cur)
		rest = append([]string{filepath.Base(cur)}, rest...)
		if parent == cur {
			return abs, nil
		}
		cur = parent
		if _, statErr := os.Lstat(cur); statErr == nil {
			base, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return filepath.Join(append([]string{base}, rest...)...), nil
		}
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func hasAllowedExtension(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if !strings.HasPrefix(a, ".") {
			a = "." + a
		}
		if a == ext {
			return true
		}
	}
	return false
}
