package service_test

import (
	"encoding/json"
	"sync"

	"github.com/Wyydra/callrelay/internal/core/domain"
)

type fakeClient struct {
	id       domain.ConnID
	identity domain.Identity

	mu     sync.Mutex
	events []domain.Event
	full   bool
	closed bool
	kicked string
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{
		id:       domain.NewConnID(),
		identity: domain.Identity{ID: domain.UserID(id), Name: "name-" + id},
	}
}

func (f *fakeClient) ID() domain.ConnID         { return f.id }
func (f *fakeClient) Identity() domain.Identity { return f.identity }

func (f *fakeClient) Send(ev domain.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeClient) Kick(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = reason
	f.closed = true
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) Events() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.events...)
}

func (f *fakeClient) Kicked() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicked
}

func (f *fakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func blob(s string) domain.Blob {
	b, _ := json.Marshal(s)
	return b
}
