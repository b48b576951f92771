package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aliasdir/aliasdir/internal/domain/key"
)

// HistoryRepository implements key.HistoryRepository. Rows are append-only;
// there is no update path.
type HistoryRepository struct {
	q querier
}

func NewHistoryRepository(q querier) *HistoryRepository {
	return &HistoryRepository{q: q}
}

func (r *HistoryRepository) Append(ctx context.Context, e *key.HistoryEntry) error {
	return r.q.QueryRow(ctx, `
		INSERT INTO key_history (key_id, prior_state, next_state, trigger_name, actor, created_at, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, e.KeyID, e.Prior, e.Next, e.Trigger, e.Actor, e.CreatedAt, e.Signature).Scan(&e.ID)
}

func (r *HistoryRepository) ListByKey(ctx context.Context, keyID uuid.UUID) ([]*key.HistoryEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, key_id, prior_state, next_state, trigger_name, actor, created_at, signature
		FROM key_history WHERE key_id=$1 ORDER BY id ASC
	`, keyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*key.HistoryEntry
	for rows.Next() {
		var e key.HistoryEntry
		if err := rows.Scan(&e.ID, &e.KeyID, &e.Prior, &e.Next, &e.Trigger, &e.Actor, &e.CreatedAt, &e.Signature); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *HistoryRepository) LastGoodState(ctx context.Context, keyID uuid.UUID) (key.State, error) {
	row := r.q.QueryRow(ctx, `
		SELECT prior_state FROM key_history
		WHERE key_id=$1 AND next_state='error'
		ORDER BY id DESC LIMIT 1
	`, keyID)
	var s key.State
	if err := row.Scan(&s); err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return s, nil
}
