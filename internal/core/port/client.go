package port

import "github.com/Wyydra/callrelay/internal/core/domain"

// Client is a live connection handle owned by the transport layer.
type Client interface {
	ID() domain.ConnID
	Identity() domain.Identity
	// Send enqueues ev without blocking. It returns false when the event
	// could not be queued, e.g. the connection is closing or too slow.
	Send(ev domain.Event) bool
	// Kick closes the connection with a reason visible to the remote end.
	Kick(reason string)
	Close() error
}
