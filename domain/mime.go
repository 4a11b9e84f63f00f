package domain

import "strings"

// MimeType is a media type in type/subtype form without parameters.
type MimeType struct {
	value string
}

// ParseMimeType accepts "type/subtype" optionally followed by parameters,
// which are dropped.
func ParseMimeType(raw string) (MimeType, error) {
	value := raw
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return MimeType{}, &Error{Kind: KindValidation, Op: "mime", Err: ErrEmptyValue}
	}
	major, minor, ok := strings.Cut(value, "/")
	if !ok || major == "" || minor == "" || strings.Contains(minor, "/") || strings.ContainsAny(value, " \t") {
		return MimeType{}, &Error{Kind: KindValidation, Op: "mime", Msg: raw, Err: ErrInvalidMime}
	}
	return MimeType{value: value}, nil
}

func (m MimeType) String() string { return m.value }

func (m MimeType) Type() string {
	major, _, _ := strings.Cut(m.value, "/")
	return major
}

func (m MimeType) Subtype() string {
	_, minor, _ := strings.Cut(m.value, "/")
	return minor
}
