package service

import (
	"fmt"

	"github.com/Wyydra/callrelay/internal/core/domain"
)

// Delivery is one event addressed to a user. The destination connection is
// resolved when the delivery is sent, never stored with the call.
type Delivery struct {
	To    domain.UserID
	Event domain.Event
}

// Outcome is the result of applying one signal to the tables.
type Outcome struct {
	Deliveries []Delivery
	// Ringing is set when the signal created a new ringing call.
	Ringing *domain.Call
	// Settled is set when the signal answered or evicted a call.
	Settled *domain.Call
}

type transition func(t *CallTable, reg *Registry, from domain.Identity, sig domain.Signal) (Outcome, error)

var dispatch = map[domain.SignalType]transition{
	domain.SignalOffer:     applyOffer,
	domain.SignalAnswer:    applyAnswer,
	domain.SignalReject:    applyReject,
	domain.SignalCandidate: applyCandidate,
	domain.SignalEnd:       applyEnd,
}

// Apply evaluates sig against the tables. It performs no I/O.
func Apply(t *CallTable, reg *Registry, from domain.Identity, sig domain.Signal) (Outcome, error) {
	if sig.To == "" || sig.To == from.ID {
		return Outcome{}, fmt.Errorf("%s to %q: %w", sig.Type, sig.To, domain.ErrUnauthorized)
	}
	fn, ok := dispatch[sig.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownSignal, sig.Type)
	}
	return fn(t, reg, from, sig)
}

func reachable(reg *Registry, id domain.UserID) error {
	if _, ok := reg.Lookup(id); !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrUnreachable)
	}
	return nil
}

func applyOffer(t *CallTable, reg *Registry, from domain.Identity, sig domain.Signal) (Outcome, error) {
	if err := reachable(reg, sig.To); err != nil {
		return Outcome{}, err
	}
	call, err := t.Offer(from.ID, sig.To, sig.SDP)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Deliveries: []Delivery{{To: sig.To, Event: domain.Incoming(from, sig.SDP, sig.Meta)}},
		Ringing:    call,
	}, nil
}

func applyAnswer(t *CallTable, reg *Registry, from domain.Identity, sig domain.Signal) (Outcome, error) {
	if err := reachable(reg, sig.To); err != nil {
		return Outcome{}, err
	}
	call, err := t.Answer(from.ID, sig.To)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Deliveries: []Delivery{{To: sig.To, Event: domain.Answered(from.ID, sig.SDP)}},
		Settled:    call,
	}, nil
}

func applyReject(t *CallTable, reg *Registry, from domain.Identity, sig domain.Signal) (Outcome, error) {
	if err := reachable(reg, sig.To); err != nil {
		return Outcome{}, err
	}
	call, err := t.Terminate(from.ID, sig.To)
	if err != nil {
		return Outcome{}, err
	}
	reason := sig.Reason
	if reason == "" {
		reason = domain.ReasonRejected
	}
	return Outcome{
		Deliveries: []Delivery{{To: sig.To, Event: domain.Rejected(from.ID, reason)}},
		Settled:    call,
	}, nil
}

func applyCandidate(t *CallTable, reg *Registry, from domain.Identity, sig domain.Signal) (Outcome, error) {
	if err := reachable(reg, sig.To); err != nil {
		return Outcome{}, err
	}
	if _, err := t.Candidate(from.ID, sig.To); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Deliveries: []Delivery{{To: sig.To, Event: domain.CandidateFrom(from.ID, sig.Candidate)}},
	}, nil
}

// applyEnd is idempotent: ending a call that is already gone is a no-op,
// except that an offline peer still yields ErrUnreachable.
func applyEnd(t *CallTable, reg *Registry, from domain.Identity, sig domain.Signal) (Outcome, error) {
	call, err := t.Terminate(from.ID, sig.To)
	if err != nil {
		return Outcome{}, reachable(reg, sig.To)
	}
	return Outcome{
		Deliveries: []Delivery{{To: sig.To, Event: domain.Rejected(from.ID, domain.ReasonEnded)}},
		Settled:    call,
	}, nil
}
