package domain

import (
	"strings"
	"time"
)

// Session holds the tokens of a signed-in account.
type Session struct {
	DID        string
	Handle     string
	PDS        string
	AccessJWT  string
	RefreshJWT string
	UpdatedAt  time.Time
}

// Webhook event names.
const (
	EventStatusCreated = "status.created"
	EventStatusDeleted = "status.deleted"
)

// Webhook is an outbound endpoint notified of an account's status changes.
type Webhook struct {
	ID     int64
	DID    string
	URL    string
	Secret string

	// Events is "*", empty (all events) or a comma separated list.
	Events string

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Wants reports whether the webhook subscribes to event.
func (w *Webhook) Wants(event string) bool {
	if !w.Active {
		return false
	}
	events := strings.TrimSpace(w.Events)
	if events == "" || events == "*" {
		return true
	}
	for _, e := range strings.Split(events, ",") {
		if strings.EqualFold(strings.TrimSpace(e), event) {
			return true
		}
	}
	return false
}

// StatusEvent is the payload delivered to webhooks.
type StatusEvent struct {
	Event   string `json:"event"`
	DID     string `json:"did"`
	URI     string `json:"uri,omitempty"`
	Emoji   string `json:"status,omitempty"`
	Text    string `json:"text,omitempty"`
	Since   string `json:"since,omitempty"`
	Expires string `json:"expires,omitempty"`
}

// NewCreatedEvent describes a newly set status.
func NewCreatedEvent(s *Status) StatusEvent {
	ev := StatusEvent{
		Event: EventStatusCreated,
		DID:   s.AuthorDID,
		URI:   s.URI,
		Emoji: s.Emoji,
		Text:  s.Text,
		Since: FormatDatetime(s.CreatedAt),
	}
	if s.ExpiresAt != nil {
		ev.Expires = FormatDatetime(*s.ExpiresAt)
	}
	return ev
}

// NewDeletedEvent describes a removed status.
func NewDeletedEvent(did, uri string) StatusEvent {
	return StatusEvent{
		Event: EventStatusDeleted,
		DID:   did,
		URI:   uri,
	}
}
