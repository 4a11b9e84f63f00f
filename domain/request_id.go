package domain

import "github.com/google/uuid"

// RequestID correlates one logical operation across components.
type RequestID struct {
	id string
}

func NewRequestID() RequestID {
	return RequestID{id: uuid.NewString()}
}

// ParseRequestID accepts a caller-supplied id. Only UUIDs are accepted.
func ParseRequestID(s string) (RequestID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RequestID{}, &Error{Kind: KindValidation, Op: "request id", Err: ErrInvalidCharacter}
	}
	return RequestID{id: u.String()}, nil
}

func (r RequestID) String() string { return r.id }

func (r RequestID) IsZero() bool { return r.id == "" }
