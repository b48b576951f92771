package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/event"
	"github.com/aliasdir/aliasdir/internal/domain/key"
)

// StartOwnership opens an ownership claim for an alias registered elsewhere.
// A provisional key is created locally, then the claim is registered with the
// directory; if registration cannot be reached the key stays in
// ownership_pending and the open trigger is retried later.
func (s *Service) StartOwnership(ctx context.Context, req StartRequest) (*key.Key, error) {
	return s.startClaim(ctx, req, domainClaim.KindOwnership, key.StateOwnershipPending, key.TriggerOpenOwnership)
}

// StartPortability opens a portability claim to port an alias from the donor
// institution.
func (s *Service) StartPortability(ctx context.Context, req StartRequest) (*key.Key, error) {
	return s.startClaim(ctx, req, domainClaim.KindPortability, key.StatePortabilityPending, key.TriggerOpenPortability)
}

func (s *Service) startClaim(ctx context.Context, req StartRequest, kind domainClaim.Kind, initial key.State, open key.Trigger) (*key.Key, error) {
	if req.Alias == "" || req.Owner == "" || req.DonorISPB == "" {
		return nil, fmt.Errorf("start %s: %w", kind, key.ErrMissingField)
	}

	var k *key.Key
	err := s.uow.Run(ctx, func(st Stores) error {
		existing, err := st.Keys.GetActiveByAlias(ctx, req.Alias)
		if err != nil {
			return err
		}
		if existing != nil {
			return key.ErrAliasTaken
		}
		k = key.New(req.Owner, req.Alias, req.AliasType, initial)
		if err := st.Keys.Create(ctx, k); err != nil {
			return err
		}
		c := domainClaim.New(k.KeyID, kind, req.Alias, s.participant, req.DonorISPB, s.claimWindow)
		return st.Claims.Create(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	// Registration runs as its own trigger so a gateway outage leaves a
	// retryable pending key instead of a half-open claim.
	return s.Apply(ctx, k.KeyID, open, Input{Actor: req.Actor})
}

// ReceiveClaim handles the donor-side notification that a counter-party
// opened a claim against one of our active keys.
func (s *Service) ReceiveClaim(ctx context.Context, keyID, remoteClaimID uuid.UUID, kind domainClaim.Kind, requesterISPB, actor string) (*key.Key, error) {
	var out *key.Key
	err := s.uow.Run(ctx, func(st Stores) error {
		k, err := st.Keys.GetForUpdate(ctx, keyID)
		if err != nil {
			return err
		}
		if k == nil {
			return key.ErrNotFound
		}
		res, err := key.Apply(k.State, key.TriggerOpenClaim)
		if err != nil {
			return fmt.Errorf("%s from %s: %w", key.TriggerOpenClaim, k.State, err)
		}
		if res.NoOp {
			out = k
			return nil
		}

		c := domainClaim.New(k.KeyID, kind, k.Alias, requesterISPB, s.participant, s.claimWindow)
		c.ClaimID = remoteClaimID
		if err := st.Claims.Create(ctx, c); err != nil {
			return err
		}

		prior := k.State
		k.State = res.Next
		k.UpdatedAt = time.Now().UTC()
		if err := st.Keys.Update(ctx, k); err != nil {
			return err
		}

		hist := key.NewHistoryEntry(k.KeyID, prior, k.State, key.TriggerOpenClaim, actor)
		if hist.Signature, err = key.SignHistoryEntry(hist, s.historyKey); err != nil {
			return err
		}
		if err := st.History.Append(ctx, hist); err != nil {
			return err
		}

		rec, err := event.NewRecord(event.New(k, c))
		if err != nil {
			return err
		}
		if err := st.Outbox.Enqueue(ctx, rec); err != nil {
			return err
		}
		out = k
		return nil
	})
	if err != nil {
		s.metrics.Transition(string(key.TriggerOpenClaim), transitionOutcome(err))
		return nil, err
	}
	s.metrics.Transition(string(key.TriggerOpenClaim), "applied")
	return out, nil
}

// ResolveError is the operator-only exit from the error state: either cancel
// the key outright or restore it to its last known good state from history.
func (s *Service) ResolveError(ctx context.Context, keyID uuid.UUID, cancel bool, actor string) (*key.Key, error) {
	if cancel {
		return s.Apply(ctx, keyID, key.TriggerErrorCancel, Input{Actor: actor})
	}

	var out *key.Key
	err := s.uow.Run(ctx, func(st Stores) error {
		k, err := st.Keys.GetForUpdate(ctx, keyID)
		if err != nil {
			return err
		}
		if k == nil {
			return key.ErrNotFound
		}
		if k.State != key.StateError {
			return fmt.Errorf("%s from %s: %w", key.TriggerErrorRestore, k.State, key.ErrInvalidState)
		}

		last, err := st.History.LastGoodState(ctx, k.KeyID)
		if err != nil {
			return err
		}
		if !key.Restorable(last) {
			return fmt.Errorf("no restorable state in history: %w", key.ErrInvalidState)
		}

		prior := k.State
		k.State = last
		k.UpdatedAt = time.Now().UTC()
		if err := st.Keys.Update(ctx, k); err != nil {
			return err
		}

		hist := key.NewHistoryEntry(k.KeyID, prior, k.State, key.TriggerErrorRestore, actor)
		if hist.Signature, err = key.SignHistoryEntry(hist, s.historyKey); err != nil {
			return err
		}
		if err := st.History.Append(ctx, hist); err != nil {
			return err
		}

		rec, err := event.NewRecord(event.New(k, nil))
		if err != nil {
			return err
		}
		if err := st.Outbox.Enqueue(ctx, rec); err != nil {
			return err
		}
		out = k
		return nil
	})
	if err != nil {
		s.metrics.Transition(string(key.TriggerErrorRestore), transitionOutcome(err))
		return nil, err
	}
	s.metrics.Transition(string(key.TriggerErrorRestore), "applied")
	return out, nil
}

// Named trigger operations; each is the thin request-path entry over Apply.

func (s *Service) ApproveOwnership(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerApproveOwnership, in)
}

func (s *Service) ConfirmOwnership(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerConfirmOwnership, in)
}

func (s *Service) ReadyOwnership(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerReadyOwnership, in)
}

func (s *Service) CancelOwnership(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerCancelOwnership, in)
}

func (s *Service) ApprovePortability(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerApprovePortability, in)
}

func (s *Service) ConfirmPortability(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerConfirmPortability, in)
}

func (s *Service) ReadyPortability(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerReadyPortability, in)
}

func (s *Service) CancelPortabilityRequest(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerCancelPortabilityRequest, in)
}

func (s *Service) CloseClaim(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerCloseClaim, in)
}

func (s *Service) CompleteClaimClosing(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerCompleteClaimClosing, in)
}

func (s *Service) DenyClaim(ctx context.Context, keyID uuid.UUID, in Input) (*key.Key, error) {
	return s.Apply(ctx, keyID, key.TriggerDenyClaim, in)
}
