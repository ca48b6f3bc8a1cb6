package domain

import (
	"context"
	"time"
)

// StatusRepository defines persistence operations for status records.
type StatusRepository interface {
	// UpsertStatus inserts the status unless a row with the same URI exists.
	// It reports whether this call inserted the row. Concurrent calls for the
	// same URI yield exactly one insert.
	UpsertStatus(ctx context.Context, status *Status) (bool, error)

	// GetStatus looks a status up by URI, hidden or not. Returns ErrNotFound.
	GetStatus(ctx context.Context, uri string) (*Status, error)

	// LatestStatusForAuthor returns the author's most recent visible status.
	// Returns ErrNotFound when there is none.
	LatestStatusForAuthor(ctx context.Context, did string) (*Status, error)

	// StatusHistoryForAuthor lists the author's visible statuses, newest first.
	StatusHistoryForAuthor(ctx context.Context, did string, limit int) ([]Status, error)

	// GlobalFeed returns a page of visible statuses, newest first. The cursor
	// is opaque; the returned cursor is empty when there are no more results.
	GlobalFeed(ctx context.Context, cursor string, limit int) ([]Status, string, error)

	// DeleteStatus removes a status on behalf of requestingDID. Returns
	// ErrUnauthorized when the status belongs to someone else and ErrNotFound
	// when it does not exist.
	DeleteStatus(ctx context.Context, uri, requestingDID string) error

	// RemoveStatus removes a status by URI. Removing a missing status succeeds.
	RemoveStatus(ctx context.Context, uri string) error

	// SetStatusHidden toggles the moderation flag. Returns ErrNotFound.
	SetStatusHidden(ctx context.Context, uri string, hidden bool) error

	// FrequentEmojis returns the most used emojis across visible statuses.
	FrequentEmojis(ctx context.Context, limit int) ([]EmojiCount, error)
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// PreferencesRepository stores display preferences, one row per account.
type PreferencesRepository interface {
	// UpsertPreferences stores p unless a newer row exists. Reports whether
	// the row changed.
	UpsertPreferences(ctx context.Context, p *Preferences) (bool, error)

	// GetPreferences returns ErrNotFound when nothing is stored.
	GetPreferences(ctx context.Context, did string) (*Preferences, error)

	DeletePreferences(ctx context.Context, did string) error
}

// SessionRepository stores signed-in account sessions.
type SessionRepository interface {
	SaveSession(ctx context.Context, s *Session) error

	// GetSession returns ErrNotFound when the account is not signed in.
	GetSession(ctx context.Context, did string) (*Session, error)

	DeleteSession(ctx context.Context, did string) error

	// DeleteSessionsBefore removes sessions not updated since cutoff and
	// returns how many were removed.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookRepository stores outbound webhooks.
type WebhookRepository interface {
	// CreateWebhook stores w and sets its ID.
	CreateWebhook(ctx context.Context, w *Webhook) error

	ListWebhooks(ctx context.Context, did string) ([]Webhook, error)

	// DeleteWebhook removes the webhook if did owns it. Returns ErrNotFound.
	DeleteWebhook(ctx context.Context, id int64, did string) error
}

// RepoWriter is the capability to write records into one account's
// repository. Implementations return *RemoteWriteError on failure.
type RepoWriter interface {
	// DID is the account the capability is bound to.
	DID() string

	// CreateRecord creates a record and returns the URI minted by the
	// repository.
	CreateRecord(ctx context.Context, collection string, record any) (string, error)

	// PutRecord creates or replaces the record at rkey and returns its URI.
	PutRecord(ctx context.Context, collection, rkey string, record any) (string, error)

	DeleteRecord(ctx context.Context, collection, rkey string) error
}

// EventEmitter publishes status events to interested parties.
type EventEmitter interface {
	Emit(event StatusEvent)
}
