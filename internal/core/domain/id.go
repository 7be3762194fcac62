package domain

import (
	"github.com/google/uuid"
)

// UserID is the stable identifier produced by the identity verifier.
type UserID string

func (id UserID) String() string {
	return string(id)
}

// ConnID identifies one transport session.
type ConnID uuid.UUID

// CallID identifies one negotiation attempt between two users.
type CallID uuid.UUID

func NewConnID() ConnID {
	return ConnID(uuid.New())
}

func NewCallID() CallID {
	return CallID(uuid.New())
}

func (id ConnID) String() string {
	return uuid.UUID(id).String()
}

func (id CallID) String() string {
	return uuid.UUID(id).String()
}

// Identity is what the verifier attaches to a connection.
type Identity struct {
	ID   UserID
	Name string
}
