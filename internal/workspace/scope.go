package workspace

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot means a workspace path resolved outside the allowed root.
var ErrOutsideRoot = errors.New("workspace path must be within project boundaries")

// Scoper confines workspace paths to a single allowed root directory.
type Scoper struct {
	root string
}

// NewScoper returns a scoper for the given root. The root itself is
// canonicalized once, up front.
func NewScoper(root string) (*Scoper, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Root may legitimately not exist yet in tests; fall back to the
		// cleaned absolute form.
		resolved = filepath.Clean(abs)
	}
	return &Scoper{root: resolved}, nil
}

// Root returns the canonical allowed root.
func (s *Scoper) Root() string { return s.root }

// Scope resolves path to an absolute canonical form and verifies it lies
// under the allowed root. `..` segments are resolved before the check, so
// escapes are caught regardless of how they are spelled.
func (s *Scoper) Scope(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	abs = filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return abs, nil
}
