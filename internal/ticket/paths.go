package ticket

import (
	"path/filepath"
	"strings"

	"github.com/inkhaus/autopress/internal/autoerr"
)

// ResolveOutputPath resolves out to an absolute path and verifies it sits
// inside one of the allow-listed roots. Traversal segments are rejected
// before resolution.
func ResolveOutputPath(out string, allowedRoots []string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(out), "/") {
		if seg == ".." {
			return "", autoerr.E(autoerr.CodePathNotAllowed, "output path %q contains traversal", out).
				WithAction("use a path inside an allowed output root")
		}
	}

	candidate, err := filepath.Abs(out)
	if err != nil {
		return "", autoerr.Wrap(autoerr.CodePathNotAllowed, err, "resolving output path %q", out)
	}

	for _, root := range allowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if within(absRoot, candidate) {
			return candidate, nil
		}
	}

	return "", autoerr.E(autoerr.CodePathNotAllowed, "output path %q resolves outside allowed roots", out).
		WithAction("use a path inside an allowed output root")
}

// within reports whether path is root or a descendant of root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
