package http

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Wyydra/callrelay/internal/core/domain"
)

type inboundDTO struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

func decodeSignal(data []byte) (domain.Signal, error) {
	var in inboundDTO
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Signal{}, errors.New("invalid message")
	}
	if in.To == "" {
		return domain.Signal{}, fmt.Errorf("%s message missing to", in.Type)
	}

	sig := domain.Signal{
		Type: domain.SignalType(in.Type),
		To:   domain.UserID(in.To),
	}
	switch sig.Type {
	case domain.SignalOffer:
		if isEmpty(in.SDP) {
			return domain.Signal{}, errors.New("offer message missing sdp")
		}
		sig.SDP, sig.Meta = in.SDP, in.Meta
	case domain.SignalAnswer:
		if isEmpty(in.SDP) {
			return domain.Signal{}, errors.New("answer message missing sdp")
		}
		sig.SDP = in.SDP
	case domain.SignalCandidate:
		if isEmpty(in.Candidate) {
			return domain.Signal{}, errors.New("candidate message missing candidate")
		}
		sig.Candidate = in.Candidate
	case domain.SignalReject:
		sig.Reason = in.Reason
	case domain.SignalEnd:
	default:
		return domain.Signal{}, fmt.Errorf("unsupported message type %q", in.Type)
	}
	return sig, nil
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
