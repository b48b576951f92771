package key

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines persistence for keys. GetForUpdate is only meaningful
// inside a unit of work; it takes the row lock that serializes concurrent
// triggers for the same key.
type Repository interface {
	Create(ctx context.Context, k *Key) error
	Update(ctx context.Context, k *Key) error
	GetByID(ctx context.Context, keyID uuid.UUID) (*Key, error)
	GetForUpdate(ctx context.Context, keyID uuid.UUID) (*Key, error)
	GetActiveByAlias(ctx context.Context, alias string) (*Key, error)
	List(ctx context.Context, owner string, limit, offset int) ([]*Key, error)
}

// HistoryRepository appends and reads transition history. Rows are immutable.
type HistoryRepository interface {
	Append(ctx context.Context, e *HistoryEntry) error
	ListByKey(ctx context.Context, keyID uuid.UUID) ([]*HistoryEntry, error)
	// LastGoodState returns the most recent non-error state the key held,
	// used by the operator restore path.
	LastGoodState(ctx context.Context, keyID uuid.UUID) (State, error)
}
