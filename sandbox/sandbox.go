package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"magicer/domain"
)

// Resolver maps sandbox-relative paths onto absolute paths under a root.
type Resolver struct {
	root string
}

func NewResolver(root string) (*Resolver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("sandbox root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %s: %w", root, err)
	}
	return &Resolver{root: filepath.Clean(abs)}, nil
}

func (r *Resolver) Root() string { return r.root }

// Resolve joins p to the root. It does not touch the filesystem; the prefix
// check catches a misconfigured root rather than hostile input, which
// RelativePath already rejects.
func (r *Resolver) Resolve(p domain.RelativePath) (string, error) {
	joined := filepath.Join(r.root, p.String())
	if !within(joined, r.root) {
		return "", &domain.Error{
			Kind: domain.KindValidation,
			Op:   "sandbox.resolve",
			Msg:  p.String(),
			Err:  domain.ErrPathTraversal,
		}
	}
	return joined, nil
}

// Confined reports whether path, after following symlinks, still lives under
// the symlink-evaluated root. Paths that cannot be evaluated are reported as
// confined so that open-time errors (not found, permission) surface instead.
func (r *Resolver) Confined(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return true
	}
	root, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		root = r.root
	}
	absPath, err := filepath.Abs(resolved)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, absPath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Open opens p for reading through a handle on the root, so no symlink
// followed during the open can leave it, even one swapped in after a
// Confined check. Symlinks that stay under the root are followed.
func (r *Resolver) Open(p domain.RelativePath) (*os.File, error) {
	root, err := os.OpenRoot(r.root)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.Open(filepath.FromSlash(p.String()))
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
