package claim

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines persistence for claims. One open claim per key is
// enforced at the store level; Update on a resolved claim only archives, the
// row is retained read-only.
type Repository interface {
	Create(ctx context.Context, c *Claim) error
	Update(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, claimID uuid.UUID) (*Claim, error)
	GetOpenByKey(ctx context.Context, keyID uuid.UUID) (*Claim, error)
	ListUnresolved(ctx context.Context, limit int) ([]*Claim, error)
	ListByKey(ctx context.Context, keyID uuid.UUID) ([]*Claim, error)
}
