package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/port"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSignal = errors.New("unknown signal type")
	// ErrStaleConnection is returned for signals arriving on a connection
	// that has been superseded or already detached.
	ErrStaleConnection = errors.New("connection is not the active one for its user")
)

type RouterConfig struct {
	// RingTimeout ends unanswered calls. Zero disables it.
	RingTimeout time.Duration
}

// Router owns the Registry and the CallTable and is the single point where
// both are mutated. Every operation runs under one lock, and outbound events
// are queued on their connections before the lock is released, so events
// between a fixed pair keep their arrival order.
type Router struct {
	mu       sync.Mutex
	registry *Registry
	calls    *CallTable
	cfg      RouterConfig
	timers   map[domain.CallID]*time.Timer
	closed   bool
}

func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		registry: NewRegistry(),
		calls:    NewCallTable(),
		cfg:      cfg,
		timers:   make(map[domain.CallID]*time.Timer),
	}
}

// Attach makes c the reachable connection of its user. A previous connection
// of the same user is kicked and its call, if any, is terminated.
func (r *Router) Attach(c port.Client) error {
	id := c.Identity()
	l := log.With().Str("user_id", id.ID.String()).Str("conn_id", c.ID().String()).Logger()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("router closed")
	}
	evicted := r.registry.Register(c)
	var slow []port.Client
	if evicted != nil {
		if call, ok := r.calls.TerminateUser(id.ID); ok {
			r.disarmRingTimer(call)
			l.Info().Str("call_id", call.ID.String()).Msg("Call superseded by new connection")
			slow = r.deliver([]Delivery{{To: call.Peer(id.ID), Event: domain.Rejected(id.ID, domain.ReasonSuperseded)}})
		}
	}
	r.mu.Unlock()

	if evicted != nil {
		l.Info().Str("evicted_conn_id", evicted.ID().String()).Msg("Connection superseded")
		evicted.Kick(domain.ReasonSuperseded)
	}
	closeAll(slow)
	l.Debug().Msg("Client attached")
	return nil
}

// Detach removes c if it is still the active connection of its user and
// terminates the user's call, telling the peer best-effort.
func (r *Router) Detach(c port.Client) {
	id := c.Identity()

	r.mu.Lock()
	if !r.registry.Unregister(c) {
		r.mu.Unlock()
		return
	}
	var slow []port.Client
	if call, ok := r.calls.TerminateUser(id.ID); ok {
		r.disarmRingTimer(call)
		log.Info().
			Str("user_id", id.ID.String()).
			Str("call_id", call.ID.String()).
			Msg("Call terminated by disconnect")
		slow = r.deliver([]Delivery{{To: call.Peer(id.ID), Event: domain.Rejected(id.ID, domain.ReasonPeerDisconnected)}})
	}
	r.mu.Unlock()

	closeAll(slow)
	log.Debug().Str("user_id", id.ID.String()).Str("conn_id", c.ID().String()).Msg("Client detached")
}

// Route applies one inbound signal from c. Relay failures are reported to the
// sender as a failed event and also returned. Unauthorized signals, and
// candidates or ends addressed to an offline user, are only returned.
func (r *Router) Route(c port.Client, sig domain.Signal) error {
	from := c.Identity()
	sig.From = from.ID

	r.mu.Lock()
	if cur, ok := r.registry.Lookup(from.ID); !ok || cur.ID() != c.ID() {
		r.mu.Unlock()
		return fmt.Errorf("%s from %s: %w", sig.Type, from.ID, ErrStaleConnection)
	}

	out, err := Apply(r.calls, r.registry, from, sig)
	var slow []port.Client
	if err != nil {
		if reason, report := domain.FailureReason(err); report && !silentFailure(sig, err) {
			slow = r.deliver([]Delivery{{To: from.ID, Event: domain.Failed(sig.To, reason)}})
		}
	} else {
		slow = r.deliver(out.Deliveries)
		if out.Ringing != nil {
			r.armRingTimer(out.Ringing)
		}
		if out.Settled != nil {
			r.disarmRingTimer(out.Settled)
		}
	}
	r.mu.Unlock()

	closeAll(slow)

	if err != nil {
		e := log.Debug()
		if errors.Is(err, domain.ErrUnauthorized) {
			e = log.Warn()
		}
		e.Err(err).Str("user_id", from.ID.String()).Str("type", string(sig.Type)).Msg("Signal not relayed")
	}
	return err
}

func (r *Router) RouteOffer(c port.Client, to domain.UserID, sdp, meta domain.Blob) error {
	return r.Route(c, domain.Signal{Type: domain.SignalOffer, To: to, SDP: sdp, Meta: meta})
}

func (r *Router) RouteAnswer(c port.Client, to domain.UserID, sdp domain.Blob) error {
	return r.Route(c, domain.Signal{Type: domain.SignalAnswer, To: to, SDP: sdp})
}

func (r *Router) RouteReject(c port.Client, to domain.UserID, reason string) error {
	return r.Route(c, domain.Signal{Type: domain.SignalReject, To: to, Reason: reason})
}

func (r *Router) RouteCandidate(c port.Client, to domain.UserID, candidate domain.Blob) error {
	return r.Route(c, domain.Signal{Type: domain.SignalCandidate, To: to, Candidate: candidate})
}

func (r *Router) RouteEnd(c port.Client, to domain.UserID) error {
	return r.Route(c, domain.Signal{Type: domain.SignalEnd, To: to})
}

// Online reports whether the user currently has a live connection.
func (r *Router) Online(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registry.Lookup(id)
	return ok
}

// Call returns a copy of the active call between a and b.
func (r *Router) Call(a, b domain.UserID) (domain.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls.Get(a, b)
	if !ok {
		return domain.Call{}, false
	}
	return *c, true
}

// State reports the call state of the pair.
func (r *Router) State(a, b domain.UserID) domain.CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls.State(a, b)
}

type Stats struct {
	Connections int `json:"connections"`
	Calls       int `json:"calls"`
	RingTimers  int `json:"ring_timers"`
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Connections: r.registry.Len(), Calls: r.calls.Len(), RingTimers: len(r.timers)}
}

// Close disconnects every client. Later attaches fail.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	clients := r.registry.Drain()
	r.calls = NewCallTable()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	log.Info().Int("count", len(clients)).Msg("Stopping router. Disconnecting all clients.")
	for _, c := range clients {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Str("conn_id", c.ID().String()).Msg("Error closing client connection")
		}
	}
}

// expire ends a call that is still ringing when its timer fires.
func (r *Router) expire(pair domain.Pair, id domain.CallID) {
	r.mu.Lock()
	delete(r.timers, id)
	call, ok := r.calls.Expire(pair, id)
	var slow []port.Client
	if ok {
		slow = r.deliver([]Delivery{
			{To: call.Caller, Event: domain.Rejected(call.Callee, domain.ReasonNoAnswer)},
			{To: call.Callee, Event: domain.Rejected(call.Caller, domain.ReasonTimeout)},
		})
	}
	r.mu.Unlock()

	closeAll(slow)
	if ok {
		log.Info().Str("call_id", id.String()).Msg("Unanswered call expired")
	}
}

func (r *Router) armRingTimer(call *domain.Call) {
	if r.cfg.RingTimeout <= 0 {
		return
	}
	pair, id := call.Pair(), call.ID
	r.timers[id] = time.AfterFunc(r.cfg.RingTimeout, func() { r.expire(pair, id) })
}

// disarmRingTimer stops the ring timer of a call that left ringing. Must hold r.mu.
func (r *Router) disarmRingTimer(call *domain.Call) {
	if t, ok := r.timers[call.ID]; ok {
		t.Stop()
		delete(r.timers, call.ID)
	}
}

// silentFailure reports relay failures the sender is not told about:
// candidates and ends addressed to a peer that is already gone.
func silentFailure(sig domain.Signal, err error) bool {
	if !errors.Is(err, domain.ErrUnreachable) {
		return false
	}
	return sig.Type == domain.SignalCandidate || sig.Type == domain.SignalEnd
}

// deliver queues events on the destinations' connections. Must hold r.mu.
// Connections that cannot accept an event are returned so the caller can
// close them once the lock is released.
func (r *Router) deliver(ds []Delivery) []port.Client {
	var slow []port.Client
	for _, d := range ds {
		c, ok := r.registry.Lookup(d.To)
		if !ok {
			continue
		}
		if !c.Send(d.Event) {
			log.Warn().Str("user_id", d.To.String()).Str("type", string(d.Event.Type)).Msg("Send queue full, dropping client")
			slow = append(slow, c)
		}
	}
	return slow
}

func closeAll(cs []port.Client) {
	for _, c := range cs {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Str("conn_id", c.ID().String()).Msg("Error closing client")
		}
	}
}
