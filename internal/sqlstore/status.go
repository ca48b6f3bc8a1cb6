package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/blackmichael/statusphere/internal/domain"
)

const statusColumns = `uri, author_did, emoji, text, created_at, expires_at, indexed_at, hidden`

// UpsertStatus inserts a status unless its URI is already stored. The primary
// key on uri makes concurrent inserts of the same record converge on one row.
func (r *Repository) UpsertStatus(ctx context.Context, s *domain.Status) (bool, error) {
	var expires sql.NullInt64
	if s.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: toMillis(*s.ExpiresAt), Valid: true}
	}

	res, err := r.exec(ctx, `
		INSERT INTO status (uri, author_did, emoji, text, created_at, expires_at, indexed_at, hidden)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO NOTHING`,
		s.URI,
		s.AuthorDID,
		s.Emoji,
		s.Text,
		toMillis(s.CreatedAt),
		expires,
		toMillis(s.IndexedAt),
		s.Hidden,
	)
	if err != nil {
		return false, fmt.Errorf("insert status %s: %w", s.URI, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("insert status %s: %w", s.URI, err)
	}
	return n == 1, nil
}

// GetStatus looks a status up by URI, including hidden ones.
func (r *Repository) GetStatus(ctx context.Context, uri string) (*domain.Status, error) {
	row := r.queryRow(ctx, `SELECT `+statusColumns+` FROM status WHERE uri = ?`, uri)
	s, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", uri, err)
	}
	return s, nil
}

// LatestStatusForAuthor returns the author's most recent visible status.
func (r *Repository) LatestStatusForAuthor(ctx context.Context, did string) (*domain.Status, error) {
	row := r.queryRow(ctx, `
		SELECT `+statusColumns+`
		FROM status
		WHERE author_did = ? AND hidden = FALSE
		ORDER BY created_at DESC, uri DESC
		LIMIT 1`, did)
	s, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest status for %s: %w", did, err)
	}
	return s, nil
}

// StatusHistoryForAuthor lists the author's visible statuses, newest first.
func (r *Repository) StatusHistoryForAuthor(ctx context.Context, did string, limit int) ([]domain.Status, error) {
	rows, err := r.query(ctx, `
		SELECT `+statusColumns+`
		FROM status
		WHERE author_did = ? AND hidden = FALSE
		ORDER BY created_at DESC, uri DESC
		LIMIT ?`, did, limit)
	if err != nil {
		return nil, fmt.Errorf("query history for %s (limit=%d): %w", did, limit, err)
	}
	return collectStatuses(rows)
}

// GlobalFeed retrieves visible statuses paginated by cursor.
// The cursor format is "createdAt::uri" (unix millis::uri).
func (r *Repository) GlobalFeed(ctx context.Context, cursor string, limit int) ([]domain.Status, string, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if cursor != "" {
		cursorMillis, cursorURI, parseErr := parseCursor(cursor)
		if parseErr != nil {
			return nil, "", fmt.Errorf("%w '%s': %v", domain.ErrInvalidCursor, cursor, parseErr)
		}

		rows, err = r.query(ctx, `
			SELECT `+statusColumns+`
			FROM status
			WHERE hidden = FALSE AND (created_at, uri) < (?, ?)
			ORDER BY created_at DESC, uri DESC
			LIMIT ?`,
			cursorMillis, cursorURI, limit,
		)
		if err != nil {
			return nil, "", fmt.Errorf("query feed with cursor (time=%d, uri=%s, limit=%d): %w", cursorMillis, cursorURI, limit, err)
		}
	} else {
		rows, err = r.query(ctx, `
			SELECT `+statusColumns+`
			FROM status
			WHERE hidden = FALSE
			ORDER BY created_at DESC, uri DESC
			LIMIT ?`,
			limit,
		)
		if err != nil {
			return nil, "", fmt.Errorf("query feed without cursor (limit=%d): %w", limit, err)
		}
	}

	statuses, err := collectStatuses(rows)
	if err != nil {
		return nil, "", err
	}

	var nextCursor string
	if limit > 0 && len(statuses) == limit {
		last := statuses[len(statuses)-1]
		nextCursor = fmt.Sprintf("%d::%s", toMillis(last.CreatedAt), last.URI)
	}

	return statuses, nextCursor, nil
}

// DeleteStatus removes a status owned by requestingDID.
func (r *Repository) DeleteStatus(ctx context.Context, uri, requestingDID string) error {
	res, err := r.exec(ctx, `DELETE FROM status WHERE uri = ? AND author_did = ?`, uri, requestingDID)
	if err != nil {
		return fmt.Errorf("delete status %s: %w", uri, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("delete status %s: %w", uri, err)
	}
	if n > 0 {
		return nil
	}

	var author string
	err = r.queryRow(ctx, `SELECT author_did FROM status WHERE uri = ?`, uri).Scan(&author)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check status %s: %w", uri, err)
	}
	return fmt.Errorf("status %s belongs to %s: %w", uri, author, domain.ErrUnauthorized)
}

// RemoveStatus removes a status by URI. Removing a missing status succeeds.
func (r *Repository) RemoveStatus(ctx context.Context, uri string) error {
	if _, err := r.exec(ctx, `DELETE FROM status WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("remove status %s: %w", uri, err)
	}
	return nil
}

// SetStatusHidden toggles the moderation flag of a status.
func (r *Repository) SetStatusHidden(ctx context.Context, uri string, hidden bool) error {
	res, err := r.exec(ctx, `UPDATE status SET hidden = ? WHERE uri = ?`, hidden, uri)
	if err != nil {
		return fmt.Errorf("update status %s: %w", uri, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("update status %s: %w", uri, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FrequentEmojis counts emoji usage across visible statuses.
func (r *Repository) FrequentEmojis(ctx context.Context, limit int) ([]domain.EmojiCount, error) {
	rows, err := r.query(ctx, `
		SELECT emoji, COUNT(*) AS uses
		FROM status
		WHERE hidden = FALSE
		GROUP BY emoji
		ORDER BY uses DESC, emoji ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query frequent emojis: %w", err)
	}
	defer rows.Close()

	var counts []domain.EmojiCount
	for rows.Next() {
		var c domain.EmojiCount
		if err := rows.Scan(&c.Emoji, &c.Count); err != nil {
			return nil, fmt.Errorf("scan emoji count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emoji counts: %w", err)
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (*domain.Status, error) {
	var (
		s                    domain.Status
		createdAt, indexedAt int64
		expiresAt            sql.NullInt64
	)
	err := row.Scan(
		&s.URI,
		&s.AuthorDID,
		&s.Emoji,
		&s.Text,
		&createdAt,
		&expiresAt,
		&indexedAt,
		&s.Hidden,
	)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(createdAt)
	s.IndexedAt = fromMillis(indexedAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		s.ExpiresAt = &t
	}
	return &s, nil
}

func collectStatuses(rows *sql.Rows) ([]domain.Status, error) {
	defer rows.Close()

	var statuses []domain.Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses = append(statuses, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statuses: %w", err)
	}
	return statuses, nil
}

func parseCursor(cursor string) (int64, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("cursor must be in format 'timestamp::uri'")
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	return millis, parts[1], nil
}
