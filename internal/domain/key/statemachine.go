package key

// Trigger is a named event evaluated against the current key state. Every
// process-controller operation, inbound directory notification and
// scheduler-synthesized action maps to exactly one trigger.
type Trigger string

const (
	// Provisioning.
	TriggerConfirm        Trigger = "confirm"
	TriggerActivate       Trigger = "activate"
	TriggerPendingExpired Trigger = "pending_expired"

	// Deletion.
	TriggerDelete     Trigger = "delete"
	TriggerDeleteDone Trigger = "delete_done"

	// Ownership claim.
	TriggerOpenOwnership          Trigger = "open_ownership"
	TriggerApproveOwnership       Trigger = "approve_ownership"
	TriggerWaitOwnership          Trigger = "wait_ownership"
	TriggerConfirmOwnership       Trigger = "confirm_ownership"
	TriggerReadyOwnership         Trigger = "ready_ownership"
	TriggerCancelOwnership        Trigger = "cancel_ownership"
	TriggerCancelingOwnership     Trigger = "canceling_ownership"
	TriggerCancelingOwnershipDone Trigger = "canceling_ownership_done"
	TriggerOwnershipExpired       Trigger = "ownership_pending_expired"

	// Portability claim.
	TriggerOpenPortability          Trigger = "open_portability"
	TriggerApprovePortability       Trigger = "approve_portability"
	TriggerWaitPortability          Trigger = "wait_portability"
	TriggerConfirmPortability       Trigger = "confirm_portability"
	TriggerReadyPortability         Trigger = "ready_portability"
	TriggerCancelPortabilityRequest Trigger = "cancel_portability_request"
	TriggerCancelingPortability     Trigger = "canceling_portability"
	TriggerPortabilityCancelDone    Trigger = "portability_cancel_done"
	TriggerPortabilityExpired       Trigger = "portability_pending_expired"

	// Generic claim plumbing (donor side).
	TriggerOpenClaim            Trigger = "open_claim"
	TriggerCloseClaim           Trigger = "close_claim"
	TriggerCompleteClaimClosing Trigger = "complete_claim_closing"
	TriggerDenyClaim            Trigger = "deny_claim"
	TriggerClaimExpired         Trigger = "claim_pending_expired"

	// Operator escapes from dead ends.
	TriggerReactivateDenied Trigger = "reactivate_denied"
	TriggerCancelDenied     Trigger = "cancel_denied"
	TriggerErrorCancel      Trigger = "error_cancel"
	TriggerErrorRestore     Trigger = "error_restore"

	// Failure sink.
	TriggerFail Trigger = "fail"
)

// Effect describes the remote side-effect a transition requires. Effects run
// before the local transition commits; a transient gateway failure aborts the
// transition entirely.
type Effect int

const (
	EffectNone Effect = iota
	EffectRegisterClaim
	EffectConfirmClaim
	EffectCancelClaim
	EffectRemoveEntry
)

// Result is the outcome of a legal trigger application.
type Result struct {
	Next   State
	Effect Effect
	// NoOp is set when the key already sits in the trigger's target state or
	// an expiration raced a legitimate close. The caller persists nothing.
	NoOp bool
}

type rule struct {
	from        []State
	to          State
	effect      Effect
	needsReason bool
	claimScoped bool
	// expiry triggers are only legal while the deadline state still holds;
	// anywhere else they degrade to a no-op because the expiry check and the
	// confirmation may race.
	expiry bool
}

var rules = map[Trigger]rule{
	// Provisioning.
	TriggerConfirm:        {from: []State{StatePending}, to: StateConfirmed},
	TriggerActivate:       {from: []State{StateConfirmed}, to: StateActive},
	TriggerPendingExpired: {from: []State{StatePending, StateConfirmed}, to: StateCanceled, expiry: true},

	// Deletion.
	TriggerDelete:     {from: []State{StateActive}, to: StateDeleting, effect: EffectRemoveEntry},
	TriggerDeleteDone: {from: []State{StateDeleting}, to: StateDeleted},

	// Ownership.
	TriggerOpenOwnership:          {from: []State{StateOwnershipPending}, to: StateOwnershipOpened, effect: EffectRegisterClaim, claimScoped: true},
	TriggerApproveOwnership:       {from: []State{StateOwnershipOpened}, to: StateOwnershipWaiting, effect: EffectConfirmClaim, claimScoped: true},
	TriggerWaitOwnership:          {from: []State{StateOwnershipOpened}, to: StateOwnershipWaiting, claimScoped: true},
	TriggerConfirmOwnership:       {from: []State{StateOwnershipOpened, StateOwnershipWaiting}, to: StateOwnershipConfirmed, claimScoped: true},
	TriggerReadyOwnership:         {from: []State{StateOwnershipOpened, StateOwnershipWaiting, StateOwnershipConfirmed}, to: StateActive, claimScoped: true},
	// The donor cancels an ownership claim from the generic claim_pending
	// side, so both cancel variants accept it alongside the claimer states.
	TriggerCancelOwnership:        {from: []State{StateOwnershipPending, StateOwnershipOpened, StateOwnershipWaiting, StateClaimPending}, to: StateOwnershipCanceling, effect: EffectCancelClaim, needsReason: true, claimScoped: true},
	TriggerCancelingOwnership:     {from: []State{StateOwnershipPending, StateOwnershipOpened, StateOwnershipWaiting, StateClaimPending}, to: StateOwnershipCanceling, claimScoped: true},
	TriggerCancelingOwnershipDone: {from: []State{StateOwnershipCanceling}, to: StateCanceled, claimScoped: true},
	TriggerOwnershipExpired:       {from: []State{StateOwnershipPending, StateOwnershipOpened}, to: StateCanceled, claimScoped: true, expiry: true},

	// Portability.
	TriggerOpenPortability:          {from: []State{StatePortabilityPending}, to: StatePortabilityOpened, effect: EffectRegisterClaim, claimScoped: true},
	TriggerApprovePortability:       {from: []State{StatePortabilityOpened}, to: StatePortabilityWaiting, effect: EffectConfirmClaim, claimScoped: true},
	TriggerWaitPortability:          {from: []State{StatePortabilityOpened}, to: StatePortabilityWaiting, claimScoped: true},
	TriggerConfirmPortability:       {from: []State{StatePortabilityOpened, StatePortabilityWaiting}, to: StatePortabilityConfirmed, claimScoped: true},
	TriggerReadyPortability:         {from: []State{StatePortabilityOpened, StatePortabilityWaiting, StatePortabilityConfirmed}, to: StateActive, claimScoped: true},
	TriggerCancelPortabilityRequest: {from: []State{StatePortabilityOpened, StatePortabilityWaiting}, to: StatePortabilityCancelOpened, effect: EffectCancelClaim, needsReason: true, claimScoped: true},
	TriggerCancelingPortability:     {from: []State{StatePortabilityPending, StatePortabilityOpened, StatePortabilityWaiting, StatePortabilityCancelOpened}, to: StatePortabilityCancelStarted, claimScoped: true},
	TriggerPortabilityCancelDone:    {from: []State{StatePortabilityCancelStarted}, to: StateActive, claimScoped: true},
	TriggerPortabilityExpired:       {from: []State{StatePortabilityPending, StatePortabilityOpened}, to: StateCanceled, claimScoped: true, expiry: true},

	// Generic claim.
	TriggerOpenClaim:            {from: []State{StateActive}, to: StateClaimPending, claimScoped: true},
	TriggerCloseClaim:           {from: []State{StateClaimPending}, to: StateClaimClosing, effect: EffectConfirmClaim, needsReason: true, claimScoped: true},
	TriggerCompleteClaimClosing: {from: []State{StateClaimClosing}, to: StateActive, claimScoped: true},
	TriggerDenyClaim:            {from: []State{StateClaimPending, StateOwnershipOpened, StatePortabilityOpened}, to: StateClaimDenied, needsReason: true, claimScoped: true},
	TriggerClaimExpired:         {from: []State{StateClaimPending}, to: StateActive, claimScoped: true, expiry: true},

	// Operator escapes.
	TriggerReactivateDenied: {from: []State{StateClaimDenied}, to: StateActive},
	TriggerCancelDenied:     {from: []State{StateClaimDenied}, to: StateCanceled},
	TriggerErrorCancel:      {from: []State{StateError}, to: StateCanceled},
}

// failFrom lists the in-flight states the failure sink is reachable from. A
// remote business rejection on a terminal or already-active key has nothing
// left to poison.
func failLegalFrom(s State) bool {
	return s.InFlight()
}

// Apply evaluates a trigger against the current persisted state. It is pure:
// no I/O, no clock. Outcomes:
//
//   - legal transition: Result carrying the next state and requested effect
//   - state already equals the target: Result with NoOp set (safe re-delivery)
//   - expiry trigger after the deadline state was left: NoOp
//   - anything else: ErrInvalidState
func Apply(current State, trg Trigger) (Result, error) {
	if trg == TriggerFail {
		if current == StateError {
			return Result{Next: current, NoOp: true}, nil
		}
		if !failLegalFrom(current) {
			return Result{}, ErrInvalidState
		}
		return Result{Next: StateError}, nil
	}

	r, ok := rules[trg]
	if !ok {
		return Result{}, ErrInvalidState
	}
	for _, s := range r.from {
		if s == current {
			return Result{Next: r.to, Effect: r.effect}, nil
		}
	}
	if current == r.to || r.expiry {
		return Result{Next: current, NoOp: true}, nil
	}
	return Result{}, ErrInvalidState
}

// NeedsReason reports whether the trigger payload must carry a reason code.
func NeedsReason(trg Trigger) bool {
	return rules[trg].needsReason
}

// ClaimScoped reports whether the trigger operates on the key's open claim.
func ClaimScoped(trg Trigger) bool {
	return rules[trg].claimScoped
}

// Target returns the state the trigger lands in when accepted. The failure
// sink and unknown triggers have no static target.
func Target(trg Trigger) (State, bool) {
	if trg == TriggerFail {
		return StateError, true
	}
	r, ok := rules[trg]
	return r.to, ok
}

// ExpiryTriggerFor returns the expiration trigger owning the given deadline
// state, if any.
func ExpiryTriggerFor(s State) (Trigger, bool) {
	switch s {
	case StatePending, StateConfirmed:
		return TriggerPendingExpired, true
	case StateOwnershipPending, StateOwnershipOpened:
		return TriggerOwnershipExpired, true
	case StatePortabilityPending, StatePortabilityOpened:
		return TriggerPortabilityExpired, true
	case StateClaimPending:
		return TriggerClaimExpired, true
	}
	return "", false
}

// Restorable reports whether an operator may restore an errored key directly
// into the given state. Only non-terminal states recorded in history qualify.
func Restorable(s State) bool {
	if s == "" || s.Terminal() {
		return false
	}
	return true
}
