package key

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	domainKey "github.com/aliasdir/aliasdir/internal/domain/key"
)

// Service handles key provisioning, lookup and deletion. Claim-protocol
// triggers live in the claim service; this one covers the plain lifecycle.
type Service struct {
	uow      appClaim.UnitOfWork
	keys     domainKey.Repository
	claims   domainClaim.Repository
	history  domainKey.HistoryRepository
	claimSvc *appClaim.Service
	logger   zerolog.Logger
}

// NewService creates a key service.
func NewService(
	uow appClaim.UnitOfWork,
	keys domainKey.Repository,
	claims domainClaim.Repository,
	history domainKey.HistoryRepository,
	claimSvc *appClaim.Service,
	logger zerolog.Logger,
) *Service {
	return &Service{
		uow:      uow,
		keys:     keys,
		claims:   claims,
		history:  history,
		claimSvc: claimSvc,
		logger:   logger.With().Str("service", "key").Logger(),
	}
}

// Create registers a new key in the pending state. At most one key per alias
// may be live at a time.
func (s *Service) Create(ctx context.Context, owner, alias string, aliasType domainKey.AliasType) (*domainKey.Key, error) {
	if owner == "" || alias == "" {
		return nil, fmt.Errorf("create key: %w", domainKey.ErrMissingField)
	}
	var k *domainKey.Key
	err := s.uow.Run(ctx, func(st appClaim.Stores) error {
		existing, err := st.Keys.GetActiveByAlias(ctx, alias)
		if err != nil {
			return err
		}
		if existing != nil {
			return domainKey.ErrAliasTaken
		}
		k = domainKey.New(owner, alias, aliasType, domainKey.StatePending)
		return st.Keys.Create(ctx, k)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("key_id", k.KeyID.String()).Str("alias_type", string(aliasType)).Msg("key created")
	return k, nil
}

// Confirm moves a pending key to confirmed.
func (s *Service) Confirm(ctx context.Context, keyID uuid.UUID, actor string) (*domainKey.Key, error) {
	return s.claimSvc.Apply(ctx, keyID, domainKey.TriggerConfirm, appClaim.Input{Actor: actor})
}

// Activate makes a confirmed key usable; the resulting event is "ready".
func (s *Service) Activate(ctx context.Context, keyID uuid.UUID, actor string) (*domainKey.Key, error) {
	return s.claimSvc.Apply(ctx, keyID, domainKey.TriggerActivate, appClaim.Input{Actor: actor})
}

// Delete removes the key: the directory entry is deleted before the local
// transition commits, then the deletion completes. A second concurrent call
// or a re-delivered one observes deleting/deleted and no-ops.
func (s *Service) Delete(ctx context.Context, keyID uuid.UUID, actor string) (*domainKey.Key, error) {
	k, err := s.claimSvc.Apply(ctx, keyID, domainKey.TriggerDelete, appClaim.Input{Actor: actor})
	if err != nil {
		return nil, err
	}
	if k.State != domainKey.StateDeleting {
		return k, nil
	}
	return s.claimSvc.Apply(ctx, keyID, domainKey.TriggerDeleteDone, appClaim.Input{Actor: actor})
}

// Get returns one key by id.
func (s *Service) Get(ctx context.Context, keyID uuid.UUID) (*domainKey.Key, error) {
	k, err := s.keys.GetByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, domainKey.ErrNotFound
	}
	return k, nil
}

// ResolveByAlias returns the live key for an alias, the lookup consumed by
// payment routing.
func (s *Service) ResolveByAlias(ctx context.Context, alias string) (*domainKey.Key, error) {
	k, err := s.keys.GetActiveByAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, domainKey.ErrNotFound
	}
	return k, nil
}

// List returns keys for an owner.
func (s *Service) List(ctx context.Context, owner string, limit, offset int) ([]*domainKey.Key, error) {
	return s.keys.List(ctx, owner, limit, offset)
}

// History returns the full transition trail for a key.
func (s *Service) History(ctx context.Context, keyID uuid.UUID) ([]*domainKey.HistoryEntry, error) {
	return s.history.ListByKey(ctx, keyID)
}

// Claims returns the claim records, archived ones included.
func (s *Service) Claims(ctx context.Context, keyID uuid.UUID) ([]*domainClaim.Claim, error) {
	return s.claims.ListByKey(ctx, keyID)
}
