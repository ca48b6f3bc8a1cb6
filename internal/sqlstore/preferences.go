package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blackmichael/statusphere/internal/domain"
)

// UpsertPreferences stores p unless a row with a newer updated_at exists.
func (r *Repository) UpsertPreferences(ctx context.Context, p *domain.Preferences) (bool, error) {
	res, err := r.exec(ctx, `
		INSERT INTO user_preferences (did, font_family, accent_color, theme, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET
			font_family = excluded.font_family,
			accent_color = excluded.accent_color,
			theme = excluded.theme,
			updated_at = excluded.updated_at
		WHERE user_preferences.updated_at <= excluded.updated_at`,
		p.DID, p.FontFamily, p.AccentColor, p.Theme, toMillis(p.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("upsert preferences for %s: %w", p.DID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, fmt.Errorf("upsert preferences for %s: %w", p.DID, err)
	}
	return n > 0, nil
}

// GetPreferences returns the stored preferences of an account.
func (r *Repository) GetPreferences(ctx context.Context, did string) (*domain.Preferences, error) {
	var (
		p         domain.Preferences
		updatedAt int64
	)
	err := r.queryRow(ctx, `
		SELECT did, font_family, accent_color, theme, updated_at
		FROM user_preferences WHERE did = ?`, did,
	).Scan(&p.DID, &p.FontFamily, &p.AccentColor, &p.Theme, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences for %s: %w", did, err)
	}
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// DeletePreferences removes an account's preferences. Missing rows are fine.
func (r *Repository) DeletePreferences(ctx context.Context, did string) error {
	if _, err := r.exec(ctx, `DELETE FROM user_preferences WHERE did = ?`, did); err != nil {
		return fmt.Errorf("delete preferences for %s: %w", did, err)
	}
	return nil
}
