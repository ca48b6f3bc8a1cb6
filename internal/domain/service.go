package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultRemoteTimeout = 10 * time.Second

// StatusServiceConfig wires the dependencies of a StatusService.
type StatusServiceConfig struct {
	Statuses    StatusRepository
	Preferences PreferencesRepository
	Cursors     CursorRepository

	// Events receives status.created and status.deleted events. Optional.
	Events EventEmitter

	// RemoteTimeout bounds every call into an author's repository.
	RemoteTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// StatusService is the core domain service. It writes statuses to the
// author's repository and reflects them locally straight away, reconciles
// firehose events into the same store, and serves the read paths.
type StatusService struct {
	statuses      StatusRepository
	prefs         PreferencesRepository
	cursors       CursorRepository
	events        EventEmitter
	remoteTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewStatusService creates a StatusService.
func NewStatusService(cfg StatusServiceConfig, logger *slog.Logger) (*StatusService, error) {
	if cfg.Statuses == nil || cfg.Preferences == nil || cfg.Cursors == nil {
		return nil, fmt.Errorf("status service: statuses, preferences and cursors repositories are required")
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = defaultRemoteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &StatusService{
		statuses:      cfg.Statuses,
		prefs:         cfg.Preferences,
		cursors:       cfg.Cursors,
		events:        cfg.Events,
		remoteTimeout: cfg.RemoteTimeout,
		now:           cfg.Now,
		logger:        logger,
	}, nil
}

// CreateStatus writes a new status to the writer's repository and stores it
// locally without waiting for the firehose. Remote failures are returned as
// is and leave local state untouched. A failed local write after a
// successful remote write is only logged: the firehose delivers the same
// record later.
func (s *StatusService) CreateStatus(ctx context.Context, writer RepoWriter, input StatusInput) (*Status, error) {
	did := writer.DID()

	rec, err := NewStatusRecord(input, s.now())
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	defer cancel()

	uri, err := writer.CreateRecord(rctx, StatusCollection, rec)
	if err != nil {
		return nil, err
	}

	status, err := StatusFromRecord(uri, did, rec, s.now())
	if err != nil {
		return nil, fmt.Errorf("remote returned unexpected uri %s: %w", uri, err)
	}

	if _, err := s.statuses.UpsertStatus(ctx, status); err != nil {
		s.logger.Warn("optimistic status write failed, firehose will reconcile",
			"uri", uri,
			"error", err,
		)
	}

	s.emit(NewCreatedEvent(status))
	return status, nil
}

// DeleteStatus deletes one of the writer's statuses remotely, then locally.
// The local row is only removed once the repository confirmed the delete.
func (s *StatusService) DeleteStatus(ctx context.Context, writer RepoWriter, uri string) error {
	did := writer.DID()

	author, collection, rkey, err := ParseRecordURI(uri)
	if err != nil {
		return err
	}
	if collection != StatusCollection {
		return fmt.Errorf("%w: %s is not a status record", ErrInvalidStatus, uri)
	}
	if author != did {
		return fmt.Errorf("delete %s as %s: %w", uri, did, ErrUnauthorized)
	}

	rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	defer cancel()

	if err := writer.DeleteRecord(rctx, collection, rkey); err != nil {
		return err
	}

	if err := s.statuses.DeleteStatus(ctx, uri, did); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("optimistic status delete failed, firehose will reconcile",
			"uri", uri,
			"error", err,
		)
	}

	s.emit(NewDeletedEvent(did, uri))
	return nil
}

// ClearStatus deletes the writer's current status. It returns the URI that
// was deleted, or an empty string when there was nothing to clear.
func (s *StatusService) ClearStatus(ctx context.Context, writer RepoWriter) (string, error) {
	latest, err := s.statuses.LatestStatusForAuthor(ctx, writer.DID())
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load current status: %w", err)
	}

	if err := s.DeleteStatus(ctx, writer, latest.URI); err != nil {
		return "", err
	}
	return latest.URI, nil
}

// SetHidden toggles the moderation flag of a status.
func (s *StatusService) SetHidden(ctx context.Context, uri string, hidden bool) error {
	if err := s.statuses.SetStatusHidden(ctx, uri, hidden); err != nil {
		return fmt.Errorf("set hidden on %s: %w", uri, err)
	}
	s.logger.Info("status moderation updated", "uri", uri, "hidden", hidden)
	return nil
}

// GetStatus returns a status by URI. Hidden statuses still resolve so that
// permalinks keep working.
func (s *StatusService) GetStatus(ctx context.Context, uri string) (*Status, error) {
	return s.statuses.GetStatus(ctx, uri)
}

// CurrentStatus returns the author's latest status, or nil when the author
// has none or it has expired.
func (s *StatusService) CurrentStatus(ctx context.Context, did string) (*Status, error) {
	latest, err := s.statuses.LatestStatusForAuthor(ctx, did)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current status: %w", err)
	}
	if latest.IsExpired(s.now()) {
		return nil, nil
	}
	return latest, nil
}

// History returns the author's visible statuses, newest first.
func (s *StatusService) History(ctx context.Context, did string, limit int) ([]Status, error) {
	return s.statuses.StatusHistoryForAuthor(ctx, did, limit)
}

// Feed returns a page of the global feed.
func (s *StatusService) Feed(ctx context.Context, cursor string, limit int) ([]Status, string, error) {
	statuses, next, err := s.statuses.GlobalFeed(ctx, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("get feed: %w", err)
	}
	return statuses, next, nil
}

// FrequentEmojis returns the most used emojis.
func (s *StatusService) FrequentEmojis(ctx context.Context, limit int) ([]EmojiCount, error) {
	return s.statuses.FrequentEmojis(ctx, limit)
}

// SavePreferences writes the writer's preferences record and stores it locally.
func (s *StatusService) SavePreferences(ctx context.Context, writer RepoWriter, p *Preferences) (*Preferences, error) {
	did := writer.DID()

	rec, err := NewPreferencesRecord(p, s.now())
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	defer cancel()

	if _, err := writer.PutRecord(rctx, PreferencesCollection, PreferencesRecordKey, rec); err != nil {
		return nil, err
	}

	saved, err := PreferencesFromRecord(did, rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.prefs.UpsertPreferences(ctx, saved); err != nil {
		s.logger.Warn("optimistic preferences write failed, firehose will reconcile",
			"did", did,
			"error", err,
		)
	}
	return saved, nil
}

// GetPreferences returns the account's preferences, or defaults.
func (s *StatusService) GetPreferences(ctx context.Context, did string) (*Preferences, error) {
	p, err := s.prefs.GetPreferences(ctx, did)
	if errors.Is(err, ErrNotFound) {
		return DefaultPreferences(did), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

// IngestStatus stores a status seen on the firehose. It reports false when
// the status was already present, usually because the optimistic path
// stored it first.
func (s *StatusService) IngestStatus(ctx context.Context, status *Status) (bool, error) {
	inserted, err := s.statuses.UpsertStatus(ctx, status)
	if err != nil {
		return false, fmt.Errorf("upsert status: %w", err)
	}
	return inserted, nil
}

// RemoveStatus removes a status deleted on the firehose.
func (s *StatusService) RemoveStatus(ctx context.Context, uri string) error {
	return s.statuses.RemoveStatus(ctx, uri)
}

// IngestPreferences stores preferences seen on the firehose.
func (s *StatusService) IngestPreferences(ctx context.Context, p *Preferences) (bool, error) {
	changed, err := s.prefs.UpsertPreferences(ctx, p)
	if err != nil {
		return false, fmt.Errorf("upsert preferences: %w", err)
	}
	return changed, nil
}

// RemovePreferences removes preferences deleted on the firehose.
func (s *StatusService) RemovePreferences(ctx context.Context, did string) error {
	return s.prefs.DeletePreferences(ctx, did)
}

// GetCursor retrieves the last-processed firehose cursor for the given service.
func (s *StatusService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.cursors.GetCursor(ctx, service)
}

// UpdateCursor persists the firehose cursor for the given service.
func (s *StatusService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.cursors.UpdateCursor(ctx, service, cursor)
}

func (s *StatusService) emit(event StatusEvent) {
	if s.events != nil {
		s.events.Emit(event)
	}
}
