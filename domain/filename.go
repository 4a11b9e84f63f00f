package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxFilenameLength is the longest accepted filename, in characters.
const MaxFilenameLength = 310

const forbiddenFilenameChars = "/\\:*?\"<>|\x00"

// Filename is a caller-supplied name that passed validation. The zero value
// is not valid; use NewFilename.
type Filename struct {
	name string
}

func NewFilename(name string) (Filename, error) {
	if name == "" {
		return Filename{}, &Error{Kind: KindValidation, Op: "filename", Err: ErrEmptyValue}
	}
	if utf8.RuneCountInString(name) > MaxFilenameLength {
		return Filename{}, &Error{
			Kind: KindValidation,
			Op:   "filename",
			Msg:  fmt.Sprintf("%d characters allowed", MaxFilenameLength),
			Err:  ErrTooLong,
		}
	}
	if i := strings.IndexAny(name, forbiddenFilenameChars); i >= 0 {
		return Filename{}, &Error{
			Kind: KindValidation,
			Op:   "filename",
			Msg:  fmt.Sprintf("%q at position %d", name[i], i),
			Err:  ErrInvalidCharacter,
		}
	}
	return Filename{name: name}, nil
}

func (f Filename) String() string { return f.name }

func (f Filename) IsZero() bool { return f.name == "" }
