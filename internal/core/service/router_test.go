package service_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/service"
)

func newRouter(t *testing.T, users ...string) (*service.Router, map[string]*fakeClient) {
	t.Helper()
	r := service.NewRouter(service.RouterConfig{})
	clients := make(map[string]*fakeClient, len(users))
	for _, u := range users {
		c := newFakeClient(u)
		if err := r.Attach(c); err != nil {
			t.Fatalf("Attach(%s): %v", u, err)
		}
		clients[u] = c
	}
	return r, clients
}

func lastEvent(t *testing.T, c *fakeClient) domain.Event {
	t.Helper()
	evs := c.Events()
	if len(evs) == 0 {
		t.Fatalf("%s received no events", c.identity.ID)
	}
	return evs[len(evs)-1]
}

func TestRouter_OfferReachesCallee(t *testing.T) {
	r, c := newRouter(t, "a", "b")

	if err := r.RouteOffer(c["a"], "b", blob("sdp-a"), blob("video")); err != nil {
		t.Fatalf("RouteOffer: %v", err)
	}

	ev := lastEvent(t, c["b"])
	if ev.Type != domain.EventIncoming || ev.From != "a" || ev.FromName != "name-a" {
		t.Fatalf("event=%+v, want incoming from a", ev)
	}
	if string(ev.SDP) != `"sdp-a"` || string(ev.Meta) != `"video"` {
		t.Fatalf("payload not forwarded verbatim: sdp=%s meta=%s", ev.SDP, ev.Meta)
	}
	if got := r.State("a", "b"); got != domain.StateRinging {
		t.Fatalf("state=%s, want ringing", got)
	}
	if len(c["a"].Events()) != 0 {
		t.Fatalf("caller received %v", c["a"].Events())
	}
}

func TestRouter_AnswerReachesCaller(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)

	if err := r.RouteAnswer(c["b"], "a", blob("answer")); err != nil {
		t.Fatalf("RouteAnswer: %v", err)
	}
	ev := lastEvent(t, c["a"])
	if ev.Type != domain.EventAnswered || ev.From != "b" || string(ev.SDP) != `"answer"` {
		t.Fatalf("event=%+v, want answered from b", ev)
	}
	if got := r.State("a", "b"); got != domain.StateNegotiating {
		t.Fatalf("state=%s, want negotiating", got)
	}
	call, _ := r.Call("a", "b")
	if call.Offer != nil {
		t.Fatalf("offer retained after answer")
	}
}

func TestRouter_BusyWhileRinging(t *testing.T) {
	r, c := newRouter(t, "a", "b", "c")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)
	before, _ := r.Call("a", "b")

	err := r.RouteOffer(c["c"], "a", blob("offer-c"), nil)
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("err=%v, want ErrBusy", err)
	}
	ev := lastEvent(t, c["c"])
	if ev.Type != domain.EventFailed || ev.Reason != domain.ReasonBusy {
		t.Fatalf("event=%+v, want failed busy", ev)
	}
	after, _ := r.Call("a", "b")
	if after.ID != before.ID || after.State != domain.StateRinging {
		t.Fatalf("table changed: before=%+v after=%+v", before, after)
	}
	if r.State("a", "c") != domain.StateNone {
		t.Fatalf("record created for a/c")
	}
	for _, ev := range c["a"].Events() {
		if ev.Type == domain.EventIncoming {
			t.Fatalf("busy callee got incoming from c")
		}
	}
}

func TestRouter_DisconnectNotifiesPeer(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)
	r.RouteAnswer(c["b"], "a", blob("answer"))

	r.Detach(c["a"])

	ev := lastEvent(t, c["b"])
	if ev.Type != domain.EventRejected || ev.From != "a" || ev.Reason != domain.ReasonPeerDisconnected {
		t.Fatalf("event=%+v, want rejected peer disconnected", ev)
	}
	if got := r.State("a", "b"); got != domain.StateNone {
		t.Fatalf("state=%s, want none", got)
	}
	if r.Online("a") {
		t.Fatalf("a still online")
	}
}

func TestRouter_OfferToOfflineUser(t *testing.T) {
	r, c := newRouter(t, "a")

	err := r.RouteOffer(c["a"], "b", blob("offer"), nil)
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("err=%v, want ErrUnreachable", err)
	}
	ev := lastEvent(t, c["a"])
	if ev.Type != domain.EventFailed || ev.Reason != domain.ReasonOffline {
		t.Fatalf("event=%+v, want failed user offline", ev)
	}
	if r.State("a", "b") != domain.StateNone || r.Stats().Calls != 0 {
		t.Fatalf("call record created for offline callee")
	}
}

func TestRouter_UnreachableLeavesTableAlone(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)

	for _, send := range []func() error{
		func() error { return r.RouteAnswer(c["a"], "x", blob("sdp")) },
		func() error { return r.RouteReject(c["a"], "x", "") },
		func() error { return r.RouteCandidate(c["a"], "x", blob("cand")) },
		func() error { return r.RouteOffer(c["b"], "x", blob("sdp"), nil) },
	} {
		if err := send(); !errors.Is(err, domain.ErrUnreachable) {
			t.Fatalf("err=%v, want ErrUnreachable", err)
		}
	}
	if r.State("a", "b") != domain.StateRinging || r.Stats().Calls != 1 {
		t.Fatalf("table changed by unreachable messages")
	}
}

func TestRouter_NoSuchCall(t *testing.T) {
	r, c := newRouter(t, "a", "b")

	if err := r.RouteAnswer(c["b"], "a", blob("answer")); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("answer err=%v, want ErrIllegalTransition", err)
	}
	if err := r.RouteReject(c["b"], "a", "nope"); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("reject err=%v, want ErrIllegalTransition", err)
	}
	for _, ev := range c["b"].Events() {
		if ev.Type != domain.EventFailed || ev.Reason != domain.ReasonNoSuchCall {
			t.Fatalf("event=%+v, want failed no such call", ev)
		}
	}
	if len(c["b"].Events()) != 2 || len(c["a"].Events()) != 0 {
		t.Fatalf("unexpected events a=%v b=%v", c["a"].Events(), c["b"].Events())
	}
}

func TestRouter_RejectEvictsCall(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)

	if err := r.RouteReject(c["b"], "a", "declined"); err != nil {
		t.Fatalf("RouteReject: %v", err)
	}
	ev := lastEvent(t, c["a"])
	if ev.Type != domain.EventRejected || ev.From != "b" || ev.Reason != "declined" {
		t.Fatalf("event=%+v, want rejected declined", ev)
	}
	if r.State("a", "b") != domain.StateNone {
		t.Fatalf("call not evicted")
	}
}

func TestRouter_EndIsIdempotent(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)
	r.RouteAnswer(c["b"], "a", blob("answer"))

	if err := r.RouteEnd(c["a"], "b"); err != nil {
		t.Fatalf("first end: %v", err)
	}
	ev := lastEvent(t, c["b"])
	if ev.Type != domain.EventRejected || ev.Reason != domain.ReasonEnded {
		t.Fatalf("event=%+v, want rejected ended", ev)
	}
	nA, nB := len(c["a"].Events()), len(c["b"].Events())

	if err := r.RouteEnd(c["a"], "b"); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if len(c["a"].Events()) != nA || len(c["b"].Events()) != nB {
		t.Fatalf("second end produced events")
	}
}

func TestRouter_CandidateOrdering(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)

	const n = 50
	for i := 0; i < n; i++ {
		if err := r.RouteCandidate(c["a"], "b", blob(fmt.Sprintf("cand-%d", i))); err != nil {
			t.Fatalf("RouteCandidate(%d): %v", i, err)
		}
	}

	var got []string
	for _, ev := range c["b"].Events() {
		if ev.Type == domain.EventCandidate {
			got = append(got, string(ev.Candidate))
		}
	}
	if len(got) != n {
		t.Fatalf("got %d candidates, want %d", len(got), n)
	}
	for i, cand := range got {
		if want := fmt.Sprintf(`"cand-%d"`, i); cand != want {
			t.Fatalf("candidate[%d]=%s, want %s", i, cand, want)
		}
	}
	if r.State("a", "b") != domain.StateRinging {
		t.Fatalf("candidates changed call state")
	}
}

func TestRouter_CandidateToDepartedPeerIsDropped(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)
	r.Detach(c["b"])
	n := len(c["a"].Events())

	err := r.RouteCandidate(c["a"], "b", blob("late"))
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("err=%v, want ErrUnreachable", err)
	}
	if len(c["a"].Events()) != n {
		t.Fatalf("sender was told about a dropped candidate")
	}
}

func TestRouter_CandidateWithoutCallIsReported(t *testing.T) {
	r, c := newRouter(t, "a", "b")

	err := r.RouteCandidate(c["a"], "b", blob("cand"))
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("err=%v, want ErrIllegalTransition", err)
	}
	ev := lastEvent(t, c["a"])
	if ev.Type != domain.EventFailed || ev.To != "b" || ev.Reason != domain.ReasonNoSuchCall {
		t.Fatalf("event=%+v, want failed no such call", ev)
	}
	if len(c["b"].Events()) != 0 {
		t.Fatalf("candidate forwarded without a call: %v", c["b"].Events())
	}
}

func TestRouter_EndToOfflineUser(t *testing.T) {
	r, c := newRouter(t, "a")

	if err := r.RouteEnd(c["a"], "ghost"); !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("err=%v, want ErrUnreachable", err)
	}
	if len(c["a"].Events()) != 0 {
		t.Fatalf("sender was told about an end to an offline user: %v", c["a"].Events())
	}
}

func TestRouter_UnauthorizedIsSilent(t *testing.T) {
	r, c := newRouter(t, "a", "b", "c")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)

	if err := r.RouteCandidate(c["c"], "a", blob("x")); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err=%v, want ErrUnauthorized", err)
	}
	if err := r.RouteOffer(c["c"], "c", blob("x"), nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("self offer err=%v, want ErrUnauthorized", err)
	}
	if len(c["c"].Events()) != 0 {
		t.Fatalf("unauthorized sender got replies: %v", c["c"].Events())
	}
	for _, ev := range c["a"].Events() {
		if ev.Type == domain.EventCandidate {
			t.Fatalf("foreign candidate was forwarded")
		}
	}
}

func TestRouter_SupersedeTerminatesCall(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)

	replacement := newFakeClient("a")
	if err := r.Attach(replacement); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if got := c["a"].Kicked(); got != domain.ReasonSuperseded {
		t.Fatalf("old connection kicked with %q", got)
	}
	ev := lastEvent(t, c["b"])
	if ev.Type != domain.EventRejected || ev.From != "a" || ev.Reason != domain.ReasonSuperseded {
		t.Fatalf("event=%+v, want rejected superseded", ev)
	}
	if r.State("a", "b") != domain.StateNone {
		t.Fatalf("call survived supersede")
	}

	// The old connection's disconnect must not evict the new one.
	r.Detach(c["a"])
	if !r.Online("a") {
		t.Fatalf("stale detach evicted the new connection")
	}

	if err := r.RouteOffer(c["a"], "b", blob("offer"), nil); !errors.Is(err, service.ErrStaleConnection) {
		t.Fatalf("old connection offer err=%v, want ErrStaleConnection", err)
	}
	if err := r.RouteOffer(replacement, "b", blob("offer"), nil); err != nil {
		t.Fatalf("new connection offer: %v", err)
	}
}

func TestRouter_SlowConsumerIsClosed(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	c["b"].mu.Lock()
	c["b"].full = true
	c["b"].mu.Unlock()

	if err := r.RouteOffer(c["a"], "b", blob("offer"), nil); err != nil {
		t.Fatalf("RouteOffer: %v", err)
	}
	if !c["b"].Closed() {
		t.Fatalf("slow consumer not closed")
	}
}

func TestRouter_RingTimeout(t *testing.T) {
	r := service.NewRouter(service.RouterConfig{RingTimeout: 20 * time.Millisecond})
	a, b := newFakeClient("a"), newFakeClient("b")
	r.Attach(a)
	r.Attach(b)

	if err := r.RouteOffer(a, "b", blob("offer"), nil); err != nil {
		t.Fatalf("RouteOffer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.State("a", "b") != domain.StateNone {
		if time.Now().After(deadline) {
			t.Fatalf("ringing call never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ev := lastEvent(t, a); ev.Type != domain.EventRejected || ev.From != "b" || ev.Reason != domain.ReasonNoAnswer {
		t.Fatalf("caller event=%+v, want rejected no answer", ev)
	}
	if ev := lastEvent(t, b); ev.Type != domain.EventRejected || ev.From != "a" || ev.Reason != domain.ReasonTimeout {
		t.Fatalf("callee event=%+v, want rejected timeout", ev)
	}
}

func TestRouter_AnsweredCallDoesNotExpire(t *testing.T) {
	r := service.NewRouter(service.RouterConfig{RingTimeout: 20 * time.Millisecond})
	a, b := newFakeClient("a"), newFakeClient("b")
	r.Attach(a)
	r.Attach(b)
	r.RouteOffer(a, "b", blob("offer"), nil)
	r.RouteAnswer(b, "a", blob("answer"))

	time.Sleep(60 * time.Millisecond)
	if got := r.State("a", "b"); got != domain.StateNegotiating {
		t.Fatalf("state=%s, want negotiating", got)
	}
}

func TestRouter_OfferKeptWhileRinging(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.RouteOffer(c["a"], "b", blob("offer"), nil)

	call, ok := r.Call("a", "b")
	if !ok || call.State != domain.StateRinging || string(call.Offer) != `"offer"` {
		t.Fatalf("call=%+v ok=%v, want ringing with offer", call, ok)
	}
}

func TestRouter_RingTimerReleased(t *testing.T) {
	cases := []struct {
		name   string
		settle func(r *service.Router, a, b *fakeClient)
	}{
		{"answer", func(r *service.Router, a, b *fakeClient) { r.RouteAnswer(b, "a", blob("answer")) }},
		{"reject", func(r *service.Router, a, b *fakeClient) { r.RouteReject(b, "a", "declined") }},
		{"end", func(r *service.Router, a, b *fakeClient) { r.RouteEnd(a, "b") }},
		{"disconnect", func(r *service.Router, a, b *fakeClient) { r.Detach(b) }},
		{"supersede", func(r *service.Router, a, b *fakeClient) { r.Attach(newFakeClient("a")) }},
		{"close", func(r *service.Router, a, b *fakeClient) { r.Close() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := service.NewRouter(service.RouterConfig{RingTimeout: time.Minute})
			a, b := newFakeClient("a"), newFakeClient("b")
			r.Attach(a)
			r.Attach(b)

			if err := r.RouteOffer(a, "b", blob("offer"), nil); err != nil {
				t.Fatalf("RouteOffer: %v", err)
			}
			if got := r.Stats().RingTimers; got != 1 {
				t.Fatalf("ring timers=%d after offer, want 1", got)
			}
			tc.settle(r, a, b)
			if got := r.Stats().RingTimers; got != 0 {
				t.Fatalf("ring timers=%d after %s, want 0", got, tc.name)
			}
		})
	}
}

func TestRouter_ExpiredCallReleasesRingTimer(t *testing.T) {
	r := service.NewRouter(service.RouterConfig{RingTimeout: 20 * time.Millisecond})
	a, b := newFakeClient("a"), newFakeClient("b")
	r.Attach(a)
	r.Attach(b)
	r.RouteOffer(a, "b", blob("offer"), nil)

	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().RingTimers != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ring timer never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.State("a", "b") != domain.StateNone {
		t.Fatalf("timer released but call still present")
	}
}

func TestRouter_SimultaneousOffers(t *testing.T) {
	for i := 0; i < 50; i++ {
		r, c := newRouter(t, "a", "b")

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for j, pair := range [][2]string{{"a", "b"}, {"b", "a"}} {
			wg.Add(1)
			go func(j int, from, to string) {
				defer wg.Done()
				<-start
				errs[j] = r.RouteOffer(c[from], domain.UserID(to), blob("offer-"+from), nil)
			}(j, pair[0], pair[1])
		}
		close(start)
		wg.Wait()

		var ok, busy int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrBusy):
				busy++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || busy != 1 {
			t.Fatalf("ok=%d busy=%d, want exactly one winner", ok, busy)
		}
		if r.Stats().Calls != 1 {
			t.Fatalf("calls=%d, want 1", r.Stats().Calls)
		}
	}
}

func TestRouter_CloseDisconnectsEveryone(t *testing.T) {
	r, c := newRouter(t, "a", "b")
	r.Close()

	if !c["a"].Closed() || !c["b"].Closed() {
		t.Fatalf("clients left open")
	}
	if err := r.Attach(newFakeClient("c")); err == nil {
		t.Fatalf("Attach after Close succeeded")
	}
	if r.Stats() != (service.Stats{}) {
		t.Fatalf("stats=%+v after close", r.Stats())
	}
}
