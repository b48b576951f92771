package postgres

import (
	"context"
	"time"

	"github.com/aliasdir/aliasdir/internal/domain/event"
)

// OutboxRepository implements event.OutboxRepository. Failed records stay
// eligible for later passes; at-least-once is the contract.
type OutboxRepository struct {
	q querier
}

func NewOutboxRepository(q querier) *OutboxRepository {
	return &OutboxRepository{q: q}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, rec *event.Record) error {
	return r.q.QueryRow(ctx, `
		INSERT INTO event_outbox (event_id, key_id, name, payload, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, rec.EventID, rec.KeyID, rec.Name, rec.Payload, rec.Status, rec.Attempts, rec.CreatedAt).Scan(&rec.ID)
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]*event.Record, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, event_id, key_id, name, payload, status, attempts, last_error, created_at, sent_at
		FROM event_outbox
		WHERE status IN ('PENDING','FAILED')
		ORDER BY id ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*event.Record
	for rows.Next() {
		var rec event.Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.KeyID, &rec.Name, &rec.Payload, &rec.Status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.q.Exec(ctx, `
		UPDATE event_outbox SET status='SENT', sent_at=$1 WHERE id=$2
	`, time.Now().UTC(), id)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE event_outbox SET status='FAILED', attempts=attempts+1, last_error=$1 WHERE id=$2
	`, reason, id)
	return err
}
