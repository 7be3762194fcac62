package domain

import "encoding/json"

// Blob is an opaque negotiation payload forwarded byte-for-byte.
type Blob = json.RawMessage

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalReject    SignalType = "reject"
	SignalCandidate SignalType = "candidate"
	SignalEnd       SignalType = "end"
)

// Signal is one inbound control message. From is always the verified
// identity of the connection it arrived on, never a client-supplied value.
type Signal struct {
	Type      SignalType
	From      UserID
	To        UserID
	SDP       Blob
	Meta      Blob
	Candidate Blob
	Reason    string
}

type EventType string

const (
	EventIncoming  EventType = "incoming"
	EventAnswered  EventType = "answered"
	EventRejected  EventType = "rejected"
	EventFailed    EventType = "failed"
	EventCandidate EventType = "candidate"
	EventError     EventType = "error"
)

// Event is one outbound message emitted to a connection.
type Event struct {
	Type      EventType `json:"type"`
	From      UserID    `json:"from,omitempty"`
	FromName  string    `json:"fromName,omitempty"`
	To        UserID    `json:"to,omitempty"`
	SDP       Blob      `json:"sdp,omitempty"`
	Meta      Blob      `json:"meta,omitempty"`
	Candidate Blob      `json:"candidate,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
}

const (
	ReasonOffline          = "user offline"
	ReasonBusy             = "busy"
	ReasonNoSuchCall       = "no such call"
	ReasonRejected         = "rejected"
	ReasonEnded            = "ended"
	ReasonSuperseded       = "superseded"
	ReasonPeerDisconnected = "peer disconnected"
	ReasonNoAnswer         = "no answer"
	ReasonTimeout          = "timeout"
)

func Incoming(from Identity, sdp, meta Blob) Event {
	return Event{Type: EventIncoming, From: from.ID, FromName: from.Name, SDP: sdp, Meta: meta}
}

func Answered(from UserID, sdp Blob) Event {
	return Event{Type: EventAnswered, From: from, SDP: sdp}
}

func Rejected(from UserID, reason string) Event {
	return Event{Type: EventRejected, From: from, Reason: reason}
}

func Failed(to UserID, reason string) Event {
	return Event{Type: EventFailed, To: to, Reason: reason}
}

func CandidateFrom(from UserID, candidate Blob) Event {
	return Event{Type: EventCandidate, From: from, Candidate: candidate}
}

func ProtocolError(msg string) Event {
	return Event{Type: EventError, Message: msg}
}
