package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aliasdir/aliasdir/internal/domain/key"
)

const keyColumns = "id, key_id, owner_ref, alias, alias_type, state, created_at, updated_at"

// KeyRepository implements key.Repository.
type KeyRepository struct {
	q querier
}

func NewKeyRepository(q querier) *KeyRepository {
	return &KeyRepository{q: q}
}

func (r *KeyRepository) Create(ctx context.Context, k *key.Key) error {
	return r.q.QueryRow(ctx, `
		INSERT INTO keys (key_id, owner_ref, alias, alias_type, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, k.KeyID, k.Owner, k.Alias, k.AliasType, k.State, k.CreatedAt, k.UpdatedAt).Scan(&k.ID)
}

func (r *KeyRepository) Update(ctx context.Context, k *key.Key) error {
	_, err := r.q.Exec(ctx, `
		UPDATE keys SET state=$1, updated_at=$2 WHERE key_id=$3
	`, k.State, k.UpdatedAt, k.KeyID)
	return err
}

func (r *KeyRepository) GetByID(ctx context.Context, keyID uuid.UUID) (*key.Key, error) {
	row := r.q.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE key_id=$1`, keyID)
	return scanKey(row)
}

func (r *KeyRepository) GetForUpdate(ctx context.Context, keyID uuid.UUID) (*key.Key, error) {
	row := r.q.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE key_id=$1 FOR UPDATE`, keyID)
	return scanKey(row)
}

func (r *KeyRepository) GetActiveByAlias(ctx context.Context, alias string) (*key.Key, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE alias=$1 AND state NOT IN ('canceled','deleted','error')
	`, alias)
	return scanKey(row)
}

func (r *KeyRepository) List(ctx context.Context, owner string, limit, offset int) ([]*key.Key, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE owner_ref=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []*key.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanKey(row pgx.Row) (*key.Key, error) {
	var k key.Key
	if err := row.Scan(&k.ID, &k.KeyID, &k.Owner, &k.Alias, &k.AliasType, &k.State, &k.CreatedAt, &k.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &k, nil
}
