package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
)

// SaveSession creates or replaces the session of an account.
func (r *Repository) SaveSession(ctx context.Context, s *domain.Session) error {
	_, err := r.exec(ctx, `
		INSERT INTO auth_session (did, handle, pds, access_jwt, refresh_jwt, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET
			handle = excluded.handle,
			pds = excluded.pds,
			access_jwt = excluded.access_jwt,
			refresh_jwt = excluded.refresh_jwt,
			updated_at = excluded.updated_at`,
		s.DID, s.Handle, s.PDS, s.AccessJWT, s.RefreshJWT, toMillis(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save session for %s: %w", s.DID, err)
	}
	return nil
}

// GetSession loads the session of an account.
func (r *Repository) GetSession(ctx context.Context, did string) (*domain.Session, error) {
	var (
		s         domain.Session
		updatedAt int64
	)
	err := r.queryRow(ctx, `
		SELECT did, handle, pds, access_jwt, refresh_jwt, updated_at
		FROM auth_session WHERE did = ?`, did,
	).Scan(&s.DID, &s.Handle, &s.PDS, &s.AccessJWT, &s.RefreshJWT, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session for %s: %w", did, err)
	}
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

// DeleteSession signs an account out.
func (r *Repository) DeleteSession(ctx context.Context, did string) error {
	if _, err := r.exec(ctx, `DELETE FROM auth_session WHERE did = ?`, did); err != nil {
		return fmt.Errorf("delete session for %s: %w", did, err)
	}
	return nil
}

// DeleteSessionsBefore removes sessions not refreshed since cutoff.
func (r *Repository) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.exec(ctx, `DELETE FROM auth_session WHERE updated_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return n, nil
}
