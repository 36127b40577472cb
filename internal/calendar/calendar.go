// Package calendar reads and writes the principal's calendar over
// CalDAV. Credentials come either from static configuration or from
// the per-conversation OAuth token held by the auth gate.
package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrNotConfigured is returned when no calendar server is configured.
var ErrNotConfigured = errors.New("calendar not configured")

// Event is a calendar entry.
type Event struct {
	UID     string
	Summary string
	Start   time.Time
	End     time.Time
	// Ref locates the stored object on the server (its path).
	Ref string
}

// Service reads and writes events on one calendar.
type Service interface {
	// Upcoming returns at most n events starting at or after now, in
	// start order.
	Upcoming(ctx context.Context, n int) ([]Event, error)

	// Create stores a new event and returns it with UID and Ref filled.
	Create(ctx context.Context, ev Event) (Event, error)
}
