// Package reconcile closes the gap between the counter-party acting in the
// remote directory and the local state reflecting it. Push notifications can
// be dropped; the scheduler polls and replays the difference through the same
// idempotent process controller the live paths use.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/directory"
	"github.com/aliasdir/aliasdir/internal/domain/key"
	"github.com/aliasdir/aliasdir/internal/metrics"
)

// Lock is the cross-replica lease guarding a run. A tick that cannot acquire
// it is skipped, not queued.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// TriggerApplier is the slice of the claim service the scheduler drives.
type TriggerApplier interface {
	Apply(ctx context.Context, keyID uuid.UUID, trg key.Trigger, in appClaim.Input) (*key.Key, error)
}

const schedulerActor = "system:reconciler"

// Scheduler periodically reconciles unresolved claims against the directory.
type Scheduler struct {
	claims     domainClaim.Repository
	keys       key.Repository
	gateway    directory.Gateway
	applier    TriggerApplier
	lock       Lock
	interval   time.Duration
	leaseTTL   time.Duration
	batch      int
	driftLimit int
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewScheduler creates the reconciliation scheduler. The lock handle is
// passed in explicitly; there is no ambient global.
func NewScheduler(
	claims domainClaim.Repository,
	keys key.Repository,
	gateway directory.Gateway,
	applier TriggerApplier,
	lock Lock,
	interval, leaseTTL time.Duration,
	batch, driftLimit int,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		claims:     claims,
		keys:       keys,
		gateway:    gateway,
		applier:    applier,
		lock:       lock,
		interval:   interval,
		leaseTTL:   leaseTTL,
		batch:      batch,
		driftLimit: driftLimit,
		metrics:    m,
		logger:     logger.With().Str("service", "reconciler").Logger(),
	}
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reconcile tick failed")
			}
		}
	}
}

// Tick executes one reconciliation run under the lease.
func (s *Scheduler) Tick(ctx context.Context) error {
	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.metrics.ReconcileSkipped()
		s.logger.Debug().Msg("lease held elsewhere, tick skipped")
		return nil
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("lease release failed")
		}
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go s.renewLoop(renewCtx)

	start := time.Now()
	err = s.reconcile(ctx)
	s.metrics.ReconcileRun(time.Since(start))
	return err
}

func (s *Scheduler) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(s.leaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.lock.Renew(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("lease renew failed")
			}
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	locals, err := s.claims.ListUnresolved(ctx, s.batch)
	if err != nil {
		return err
	}
	if len(locals) == 0 {
		return nil
	}

	remote, err := s.fetchRemote(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, c := range locals {
		s.reconcileClaim(ctx, c, remote[c.ClaimID], now)
	}
	return nil
}

// fetchRemote pages through the directory's claim listing until it signals
// no more pages.
func (s *Scheduler) fetchRemote(ctx context.Context) (map[uuid.UUID]*directory.RemoteClaim, error) {
	out := make(map[uuid.UUID]*directory.RemoteClaim)
	cursor := ""
	for {
		page, err := s.gateway.ListClaims(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, rc := range page.Claims {
			out[rc.ClaimID] = rc
		}
		if page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}

func (s *Scheduler) reconcileClaim(ctx context.Context, c *domainClaim.Claim, rc *directory.RemoteClaim, now time.Time) {
	if rc == nil {
		// No remote record. After the window it expired remotely and the
		// notification was lost; before it, count a drift attempt.
		if c.Expired(now) {
			s.synthesizeExpiry(ctx, c)
			return
		}
		s.recordDrift(ctx, c, "remote claim missing before deadline")
		return
	}

	// Cheap comparison first. An unresolved local claim under a terminal
	// remote status still needs its closing trigger even when the mirrored
	// status already matches.
	if rc.Status == c.Status && !terminalStatus(rc.Status) {
		return
	}

	// Remote state is authoritative: map it back onto our trigger table and
	// let the idempotent controller converge.
	for _, trg := range triggersForRemote(c.Kind, rc.Status) {
		_, err := s.applier.Apply(ctx, c.KeyID, trg, appClaim.Input{
			Reason: "reconciled from directory",
			Actor:  schedulerActor,
		})
		if err == nil {
			s.metrics.SynthesizedTrigger()
			s.logger.Info().
				Str("claim_id", c.ClaimID.String()).
				Str("trigger", string(trg)).
				Str("remote_status", string(rc.Status)).
				Msg("synthesized trigger from remote status")
			return
		}
		if errors.Is(err, key.ErrInvalidState) {
			continue
		}
		s.logger.Warn().Err(err).
			Str("claim_id", c.ClaimID.String()).
			Str("trigger", string(trg)).
			Msg("synthesized trigger failed")
		return
	}

	s.recordDrift(ctx, c, string(rc.Status))
}

func (s *Scheduler) synthesizeExpiry(ctx context.Context, c *domainClaim.Claim) {
	k, err := s.keys.GetByID(ctx, c.KeyID)
	if err != nil || k == nil {
		s.logger.Warn().Err(err).Str("claim_id", c.ClaimID.String()).Msg("expiry synthesis: key load failed")
		return
	}
	trg, ok := key.ExpiryTriggerFor(k.State)
	if !ok {
		// The key already left the deadline state; the claim will resolve on
		// a later pass or was closed by a racing confirmation.
		return
	}
	if _, err := s.applier.Apply(ctx, c.KeyID, trg, appClaim.Input{Actor: schedulerActor}); err != nil {
		s.logger.Warn().Err(err).Str("claim_id", c.ClaimID.String()).Msg("expiry trigger failed")
		return
	}
	s.metrics.SynthesizedTrigger()
}

// recordDrift bumps the claim's attempt counter; past the limit the key is
// parked in error instead of looping forever.
func (s *Scheduler) recordDrift(ctx context.Context, c *domainClaim.Claim, detail string) {
	c.ReconcileAttempts++
	if err := s.claims.Update(ctx, c); err != nil {
		s.logger.Warn().Err(err).Str("claim_id", c.ClaimID.String()).Msg("drift counter update failed")
		return
	}
	if c.ReconcileAttempts < s.driftLimit {
		return
	}
	s.metrics.ReconcileDrift()
	s.logger.Error().
		Str("claim_id", c.ClaimID.String()).
		Str("detail", detail).
		Int("attempts", c.ReconcileAttempts).
		Msg("claim irreconcilable, escalating")
	reason := "reconciliation drift: " + detail
	if _, err := s.applier.Apply(ctx, c.KeyID, key.TriggerFail, appClaim.Input{
		Reason: reason,
		Actor:  schedulerActor,
	}); err != nil {
		s.logger.Error().Err(err).Str("claim_id", c.ClaimID.String()).Msg("escalation failed")
		return
	}
	// Archive the escalated claim; an operator owns the key now and a dead
	// claim must not occupy the batch on every subsequent run.
	c.Reason = &reason
	c.Resolve(c.Status)
	if err := s.claims.Update(ctx, c); err != nil {
		s.logger.Warn().Err(err).Str("claim_id", c.ClaimID.String()).Msg("escalated claim archive failed")
	}
}

func terminalStatus(s domainClaim.RemoteStatus) bool {
	switch s {
	case domainClaim.StatusCancelled, domainClaim.StatusCompleted, domainClaim.StatusExpired:
		return true
	}
	return false
}

// triggersForRemote maps an authoritative remote status to candidate local
// triggers, tried in order. The transition table rejects the ones whose
// source family does not match, so one table serves both protocol sides.
func triggersForRemote(kind domainClaim.Kind, status domainClaim.RemoteStatus) []key.Trigger {
	switch kind {
	case domainClaim.KindOwnership:
		switch status {
		case domainClaim.StatusWaiting:
			return []key.Trigger{key.TriggerWaitOwnership, key.TriggerCloseClaim}
		case domainClaim.StatusConfirmed:
			// A remote confirmation is the counterparty's final word; completion
			// is on us, so the ready trigger finishes the claim in one pass
			// instead of mirroring confirmed and stalling there.
			return []key.Trigger{key.TriggerReadyOwnership, key.TriggerCloseClaim}
		case domainClaim.StatusCompleted:
			return []key.Trigger{key.TriggerReadyOwnership, key.TriggerCompleteClaimClosing}
		case domainClaim.StatusCancelled:
			return []key.Trigger{key.TriggerCancelingOwnershipDone, key.TriggerCancelingOwnership}
		case domainClaim.StatusExpired:
			return []key.Trigger{key.TriggerOwnershipExpired, key.TriggerClaimExpired}
		}
	case domainClaim.KindPortability:
		switch status {
		case domainClaim.StatusWaiting:
			return []key.Trigger{key.TriggerWaitPortability, key.TriggerCloseClaim}
		case domainClaim.StatusConfirmed:
			return []key.Trigger{key.TriggerReadyPortability, key.TriggerCloseClaim}
		case domainClaim.StatusCompleted:
			return []key.Trigger{key.TriggerReadyPortability, key.TriggerCompleteClaimClosing}
		case domainClaim.StatusCancelled:
			return []key.Trigger{key.TriggerPortabilityCancelDone, key.TriggerCancelingPortability}
		case domainClaim.StatusExpired:
			return []key.Trigger{key.TriggerPortabilityExpired, key.TriggerClaimExpired}
		}
	}
	return nil
}
