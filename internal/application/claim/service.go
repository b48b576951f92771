package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/directory"
	"github.com/aliasdir/aliasdir/internal/domain/event"
	"github.com/aliasdir/aliasdir/internal/domain/key"
	"github.com/aliasdir/aliasdir/internal/metrics"
)

// Stores bundles the repositories bound to one transaction.
type Stores struct {
	Keys    key.Repository
	Claims  domainClaim.Repository
	History key.HistoryRepository
	Outbox  event.OutboxRepository
}

// UnitOfWork runs fn against transaction-bound stores; fn returning an error
// rolls everything back.
type UnitOfWork interface {
	Run(ctx context.Context, fn func(Stores) error) error
}

// Input carries the trigger-specific payload.
type Input struct {
	Reason           string
	CounterpartyISPB string
	Actor            string
}

// StartRequest opens a claim for an alias held at another institution (or by
// another owner at this one).
type StartRequest struct {
	Owner     string
	Alias     string
	AliasType key.AliasType
	DonorISPB string
	Actor     string
}

// Service is the generic process controller: it loads the aggregate under a
// row lock, consults the transition table, runs the requested remote effect
// before commit and persists state, history and the outbound event together.
type Service struct {
	uow         UnitOfWork
	gateway     directory.Gateway
	participant string
	claimWindow time.Duration
	historyKey  []byte
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewService creates the claim process controller.
func NewService(
	uow UnitOfWork,
	gateway directory.Gateway,
	participantISPB string,
	claimWindow time.Duration,
	historyKey []byte,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		uow:         uow,
		gateway:     gateway,
		participant: participantISPB,
		claimWindow: claimWindow,
		historyKey:  historyKey,
		metrics:     m,
		logger:      logger.With().Str("service", "claim").Logger(),
	}
}

// Apply drives one trigger through the state machine for the given key.
// Outcomes follow the transition table: accepted (new snapshot returned, one
// history row, one event), idempotent no-op (current snapshot, nothing
// persisted) or a typed rejection.
func (s *Service) Apply(ctx context.Context, keyID uuid.UUID, trg key.Trigger, in Input) (*key.Key, error) {
	if key.NeedsReason(trg) && in.Reason == "" {
		s.metrics.Transition(string(trg), "missing_field")
		return nil, fmt.Errorf("%s: reason: %w", trg, key.ErrMissingField)
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

		res, err := key.Apply(k.State, trg)
		if err != nil {
			return fmt.Errorf("%s from %s: %w", trg, k.State, err)
		}
		if res.NoOp {
			s.logger.Debug().
				Str("key_id", k.KeyID.String()).
				Str("trigger", string(trg)).
				Str("state", string(k.State)).
				Msg("trigger ignored, state already settled")
			out = k
			return nil
		}

		var c *domainClaim.Claim
		if key.ClaimScoped(trg) {
			c, err = st.Claims.GetOpenByKey(ctx, k.KeyID)
			if err != nil {
				return err
			}
			if c == nil {
				return domainClaim.ErrNotFound
			}
		}

		prior := k.State
		next := res.Next
		if res.Effect != key.EffectNone {
			if err := s.runEffect(ctx, res.Effect, k, c, in); err != nil {
				if directory.Retryable(err) {
					// Unknown outcome: leave state untouched, caller retries
					// the same trigger once the gateway recovers.
					return fmt.Errorf("gateway effect for %s: %w", trg, err)
				}
				// Definitive rejection: the key parks in error until an
				// operator resolves it.
				var rej *directory.RejectedError
				errors.As(err, &rej)
				next = key.StateError
				if c != nil {
					reason := rej.Reason
					c.Reason = &reason
				}
				s.logger.Warn().
					Str("key_id", k.KeyID.String()).
					Str("trigger", string(trg)).
					Str("reason", rej.Reason).
					Msg("directory rejected operation")
			}
		}

		k.State = next
		k.UpdatedAt = time.Now().UTC()
		if err := st.Keys.Update(ctx, k); err != nil {
			return err
		}

		if c != nil {
			s.mirrorClaim(c, trg, next, in)
			if err := st.Claims.Update(ctx, c); err != nil {
				return err
			}
		}

		hist := key.NewHistoryEntry(k.KeyID, prior, k.State, trg, in.Actor)
		if hist.Signature, err = key.SignHistoryEntry(hist, s.historyKey); err != nil {
			return err
		}
		if err := st.History.Append(ctx, hist); err != nil {
			return err
		}

		evt := event.New(k, c)
		rec, err := event.NewRecord(evt)
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
		s.metrics.Transition(string(trg), transitionOutcome(err))
		return nil, err
	}
	s.metrics.Transition(string(trg), "applied")
	return out, nil
}

// transitionOutcome labels a failed application for the transitions counter.
// A transient gateway outage or an unknown aggregate is not a protocol
// rejection; lumping them together hides real dispute activity.
func transitionOutcome(err error) string {
	switch {
	case errors.Is(err, key.ErrNotFound), errors.Is(err, domainClaim.ErrNotFound):
		return "not_found"
	case errors.Is(err, directory.ErrUnavailable):
		return "retryable"
	default:
		return "rejected"
	}
}

func (s *Service) runEffect(ctx context.Context, eff key.Effect, k *key.Key, c *domainClaim.Claim, in Input) error {
	switch eff {
	case key.EffectRegisterClaim:
		_, err := s.gateway.RegisterClaim(ctx, directory.ClaimRequest{
			ClaimID:       c.ClaimID,
			Kind:          c.Kind,
			Alias:         c.Alias,
			RequesterISPB: c.RequesterISPB,
			DonorISPB:     c.DonorISPB,
		})
		return err
	case key.EffectConfirmClaim:
		return s.gateway.ConfirmClaim(ctx, c.ClaimID, in.Reason)
	case key.EffectCancelClaim:
		return s.gateway.CancelClaim(ctx, c.ClaimID, in.Reason)
	case key.EffectRemoveEntry:
		return s.gateway.RemoveEntry(ctx, k.Alias)
	}
	return nil
}

// mirrorClaim keeps the local claim row aligned with the state the trigger
// landed in. Terminal statuses archive the claim.
func (s *Service) mirrorClaim(c *domainClaim.Claim, trg key.Trigger, next key.State, in Input) {
	if next == key.StateError {
		return
	}
	status, resolved, ok := claimStatusAfter(trg)
	if !ok {
		return
	}
	if in.Reason != "" {
		reason := in.Reason
		c.Reason = &reason
	}
	if resolved {
		c.Resolve(status)
		return
	}
	c.Status = status
}

func claimStatusAfter(trg key.Trigger) (domainClaim.RemoteStatus, bool, bool) {
	switch trg {
	case key.TriggerOpenOwnership, key.TriggerOpenPortability, key.TriggerOpenClaim:
		return domainClaim.StatusOpen, false, true
	case key.TriggerApproveOwnership, key.TriggerWaitOwnership,
		key.TriggerApprovePortability, key.TriggerWaitPortability,
		key.TriggerCloseClaim:
		return domainClaim.StatusWaiting, false, true
	case key.TriggerConfirmOwnership, key.TriggerConfirmPortability:
		return domainClaim.StatusConfirmed, false, true
	case key.TriggerReadyOwnership, key.TriggerReadyPortability,
		key.TriggerCompleteClaimClosing:
		return domainClaim.StatusCompleted, true, true
	case key.TriggerCancelOwnership, key.TriggerCancelingOwnership,
		key.TriggerCancelPortabilityRequest, key.TriggerCancelingPortability:
		return domainClaim.StatusCancelled, false, true
	case key.TriggerCancelingOwnershipDone, key.TriggerPortabilityCancelDone,
		key.TriggerDenyClaim, key.TriggerCancelDenied:
		return domainClaim.StatusCancelled, true, true
	case key.TriggerOwnershipExpired, key.TriggerPortabilityExpired, key.TriggerClaimExpired:
		return domainClaim.StatusExpired, true, true
	}
	return "", false, false
}
