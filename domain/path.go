package domain

import "strings"

// RelativePath is a sandbox-relative path that cannot express traversal.
// Construction is the only place it is checked.
type RelativePath struct {
	path string
}

func NewRelativePath(path string) (RelativePath, error) {
	fail := func(err error) (RelativePath, error) {
		return RelativePath{}, &Error{Kind: KindValidation, Op: "path", Err: err}
	}
	switch {
	case path == "":
		return fail(ErrEmptyValue)
	case strings.HasPrefix(path, "/"):
		return fail(ErrAbsolutePath)
	case strings.HasPrefix(path, " "):
		return fail(ErrInvalidPath)
	case strings.Contains(path, "//"):
		return fail(ErrInvalidPath)
	case strings.ContainsRune(path, 0):
		return fail(ErrInvalidCharacter)
	}

	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == ".." {
			return fail(ErrPathTraversal)
		}
	}
	for _, seg := range segments {
		if seg == "." {
			return fail(ErrInvalidPath)
		}
	}
	return RelativePath{path: path}, nil
}

func (p RelativePath) String() string { return p.path }
