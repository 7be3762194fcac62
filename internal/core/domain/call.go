package domain

import "time"

type CallState int

const (
	StateNone CallState = iota
	StateRinging
	StateNegotiating
	StateTerminated
)

// StateActive is not distinguished from negotiating: the relay never sees media.
const StateActive = StateNegotiating

func (s CallState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Pair is an unordered combination of two users, normalized so that A <= B.
type Pair struct {
	A UserID
	B UserID
}

func NewPair(x, y UserID) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

func (p Pair) Has(id UserID) bool {
	return p.A == id || p.B == id
}

type Call struct {
	ID        CallID
	Caller    UserID
	Callee    UserID
	State     CallState
	Offer     Blob // SDP of a ringing call, kept for inspection via Router.Call; cleared on answer
	CreatedAt time.Time
}

func NewCall(caller, callee UserID, offer Blob, now time.Time) *Call {
	return &Call{
		ID:        NewCallID(),
		Caller:    caller,
		Callee:    callee,
		State:     StateRinging,
		Offer:     offer,
		CreatedAt: now,
	}
}

func (c *Call) Pair() Pair {
	return NewPair(c.Caller, c.Callee)
}

func (c *Call) Involves(id UserID) bool {
	return c.Caller == id || c.Callee == id
}

// Peer returns the other party of the call.
func (c *Call) Peer(id UserID) UserID {
	if c.Caller == id {
		return c.Callee
	}
	return c.Caller
}
