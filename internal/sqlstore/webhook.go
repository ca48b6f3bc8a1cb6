package sqlstore

import (
	"context"
	"fmt"

	"github.com/blackmichael/statusphere/internal/domain"
)

// CreateWebhook stores w and sets its ID.
func (r *Repository) CreateWebhook(ctx context.Context, w *domain.Webhook) error {
	err := r.queryRow(ctx, `
		INSERT INTO webhooks (did, url, secret, events, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		w.DID, w.URL, w.Secret, w.Events, w.Active, toMillis(w.CreatedAt), toMillis(w.UpdatedAt),
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("create webhook for %s: %w", w.DID, err)
	}
	return nil
}

// ListWebhooks returns the webhooks of an account, oldest first.
func (r *Repository) ListWebhooks(ctx context.Context, did string) ([]domain.Webhook, error) {
	rows, err := r.query(ctx, `
		SELECT id, did, url, secret, events, active, created_at, updated_at
		FROM webhooks
		WHERE did = ?
		ORDER BY id`, did)
	if err != nil {
		return nil, fmt.Errorf("query webhooks for %s: %w", did, err)
	}
	defer rows.Close()

	var hooks []domain.Webhook
	for rows.Next() {
		var (
			w                    domain.Webhook
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&w.ID, &w.DID, &w.URL, &w.Secret, &w.Events, &w.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w.CreatedAt = fromMillis(createdAt)
		w.UpdatedAt = fromMillis(updatedAt)
		hooks = append(hooks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return hooks, nil
}

// DeleteWebhook removes a webhook owned by did.
func (r *Repository) DeleteWebhook(ctx context.Context, id int64, did string) error {
	res, err := r.exec(ctx, `DELETE FROM webhooks WHERE id = ? AND did = ?`, id, did)
	if err != nil {
		return fmt.Errorf("delete webhook %d: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return fmt.Errorf("delete webhook %d: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
