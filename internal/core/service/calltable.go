package service

import (
	"fmt"
	"time"

	"github.com/Wyydra/callrelay/internal/core/domain"
)

// CallTable tracks the active call of every user. A user appears in at most
// one call, so each call is indexed once per party and once per pair.
// Like Registry it relies on the Router for serialization.
type CallTable struct {
	byUser map[domain.UserID]*domain.Call
	byPair map[domain.Pair]*domain.Call
	now    func() time.Time
}

func NewCallTable() *CallTable {
	return &CallTable{
		byUser: make(map[domain.UserID]*domain.Call),
		byPair: make(map[domain.Pair]*domain.Call),
		now:    time.Now,
	}
}

// Get returns the active call for the pair, if any.
func (t *CallTable) Get(a, b domain.UserID) (*domain.Call, bool) {
	c, ok := t.byPair[domain.NewPair(a, b)]
	return c, ok
}

// Of returns the active call a user is a party to.
func (t *CallTable) Of(id domain.UserID) (*domain.Call, bool) {
	c, ok := t.byUser[id]
	return c, ok
}

// State reports the state for a pair; StateNone when no record exists.
func (t *CallTable) State(a, b domain.UserID) domain.CallState {
	if c, ok := t.Get(a, b); ok {
		return c.State
	}
	return domain.StateNone
}

func (t *CallTable) Len() int {
	return len(t.byPair)
}

// Offer creates a ringing call from caller to callee.
func (t *CallTable) Offer(caller, callee domain.UserID, sdp domain.Blob) (*domain.Call, error) {
	if _, busy := t.byUser[caller]; busy {
		return nil, fmt.Errorf("caller %s: %w", caller, domain.ErrBusy)
	}
	if _, busy := t.byUser[callee]; busy {
		return nil, fmt.Errorf("callee %s: %w", callee, domain.ErrBusy)
	}
	c := domain.NewCall(caller, callee, sdp, t.now())
	t.byUser[caller] = c
	t.byUser[callee] = c
	t.byPair[c.Pair()] = c
	return c, nil
}

// Answer moves a ringing call to negotiating. Only the callee may answer.
func (t *CallTable) Answer(from, to domain.UserID) (*domain.Call, error) {
	c, ok := t.Get(from, to)
	if !ok {
		return nil, fmt.Errorf("answer %s->%s: %w", from, to, domain.ErrIllegalTransition)
	}
	if c.State != domain.StateRinging || c.Callee != from {
		return nil, fmt.Errorf("answer %s->%s in %s: %w", from, to, c.State, domain.ErrIllegalTransition)
	}
	c.State = domain.StateNegotiating
	c.Offer = nil
	return c, nil
}

// Candidate checks that a candidate may flow between from and to.
func (t *CallTable) Candidate(from, to domain.UserID) (*domain.Call, error) {
	c, ok := t.Get(from, to)
	if !ok {
		if other, busy := t.byUser[to]; busy && !other.Involves(from) {
			return nil, fmt.Errorf("candidate %s->%s: %w", from, to, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("candidate %s->%s: %w", from, to, domain.ErrIllegalTransition)
	}
	return c, nil
}

// Terminate evicts the call between a and b.
func (t *CallTable) Terminate(a, b domain.UserID) (*domain.Call, error) {
	c, ok := t.Get(a, b)
	if !ok {
		return nil, fmt.Errorf("terminate %s/%s: %w", a, b, domain.ErrIllegalTransition)
	}
	t.evict(c)
	return c, nil
}

// TerminateUser evicts whatever call the user is part of.
func (t *CallTable) TerminateUser(id domain.UserID) (*domain.Call, bool) {
	c, ok := t.byUser[id]
	if !ok {
		return nil, false
	}
	t.evict(c)
	return c, true
}

// Expire evicts the pair's call only if it is still the ringing call id.
// Timers outlive calls, so a stale id must leave newer calls alone.
func (t *CallTable) Expire(pair domain.Pair, id domain.CallID) (*domain.Call, bool) {
	c, ok := t.byPair[pair]
	if !ok || c.ID != id || c.State != domain.StateRinging {
		return nil, false
	}
	t.evict(c)
	return c, true
}

func (t *CallTable) evict(c *domain.Call) {
	c.State = domain.StateTerminated
	c.Offer = nil
	delete(t.byPair, c.Pair())
	if t.byUser[c.Caller] == c {
		delete(t.byUser, c.Caller)
	}
	if t.byUser[c.Callee] == c {
		delete(t.byUser, c.Callee)
	}
}
