package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.queryRow(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor for %s: %w", service, err)
	}
	return cursor, nil
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.exec(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		service, cursor, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("update cursor for %s: %w", service, err)
	}
	return nil
}
