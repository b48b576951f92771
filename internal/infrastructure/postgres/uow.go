package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so repositories work
// standalone and inside a unit of work.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UnitOfWork runs a closure against transaction-bound repositories. The row
// lock taken by GetForUpdate inside serializes concurrent triggers per key.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

func (u *UnitOfWork) Run(ctx context.Context, fn func(appClaim.Stores) error) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	stores := appClaim.Stores{
		Keys:    NewKeyRepository(tx),
		Claims:  NewClaimRepository(tx),
		History: NewHistoryRepository(tx),
		Outbox:  NewOutboxRepository(tx),
	}
	if err := fn(stores); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
