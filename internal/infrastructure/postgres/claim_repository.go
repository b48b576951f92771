package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aliasdir/aliasdir/internal/domain/claim"
)

const claimColumns = "id, claim_id, key_id, kind, alias, requester_ispb, donor_ispb, status, resolved, reconcile_attempts, reason, opened_at, deadline, resolved_at"

// ClaimRepository implements claim.Repository.
type ClaimRepository struct {
	q querier
}

func NewClaimRepository(q querier) *ClaimRepository {
	return &ClaimRepository{q: q}
}

func (r *ClaimRepository) Create(ctx context.Context, c *claim.Claim) error {
	return r.q.QueryRow(ctx, `
		INSERT INTO claims (claim_id, key_id, kind, alias, requester_ispb, donor_ispb, status, resolved, reconcile_attempts, reason, opened_at, deadline, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, c.ClaimID, c.KeyID, c.Kind, c.Alias, c.RequesterISPB, c.DonorISPB, c.Status, c.Resolved, c.ReconcileAttempts, c.Reason, c.OpenedAt, c.Deadline, c.ResolvedAt).Scan(&c.ID)
}

func (r *ClaimRepository) Update(ctx context.Context, c *claim.Claim) error {
	_, err := r.q.Exec(ctx, `
		UPDATE claims
		SET status=$1, resolved=$2, reconcile_attempts=$3, reason=$4, resolved_at=$5
		WHERE claim_id=$6
	`, c.Status, c.Resolved, c.ReconcileAttempts, c.Reason, c.ResolvedAt, c.ClaimID)
	return err
}

func (r *ClaimRepository) GetByID(ctx context.Context, claimID uuid.UUID) (*claim.Claim, error) {
	row := r.q.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE claim_id=$1`, claimID)
	return scanClaim(row)
}

func (r *ClaimRepository) GetOpenByKey(ctx context.Context, keyID uuid.UUID) (*claim.Claim, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE key_id=$1 AND resolved=false
	`, keyID)
	return scanClaim(row)
}

func (r *ClaimRepository) ListUnresolved(ctx context.Context, limit int) ([]*claim.Claim, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+claimColumns+` FROM claims
		WHERE resolved=false ORDER BY opened_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClaims(rows)
}

func (r *ClaimRepository) ListByKey(ctx context.Context, keyID uuid.UUID) ([]*claim.Claim, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+claimColumns+` FROM claims WHERE key_id=$1 ORDER BY opened_at ASC
	`, keyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClaims(rows)
}

func collectClaims(rows pgx.Rows) ([]*claim.Claim, error) {
	var claims []*claim.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func scanClaim(row pgx.Row) (*claim.Claim, error) {
	var c claim.Claim
	if err := row.Scan(&c.ID, &c.ClaimID, &c.KeyID, &c.Kind, &c.Alias, &c.RequesterISPB, &c.DonorISPB, &c.Status, &c.Resolved, &c.ReconcileAttempts, &c.Reason, &c.OpenedAt, &c.Deadline, &c.ResolvedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
