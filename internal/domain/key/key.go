package key

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// State represents the key lifecycle state.
type State string

const (
	// Provisioning family.
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateActive    State = "active"

	// Ownership claim family.
	StateOwnershipPending   State = "ownership_pending"
	StateOwnershipOpened    State = "ownership_opened"
	StateOwnershipWaiting   State = "ownership_waiting"
	StateOwnershipConfirmed State = "ownership_confirmed"
	StateOwnershipCanceling State = "ownership_canceling"

	// Portability claim family.
	StatePortabilityPending       State = "portability_pending"
	StatePortabilityOpened        State = "portability_opened"
	StatePortabilityWaiting       State = "portability_waiting"
	StatePortabilityConfirmed     State = "portability_confirmed"
	StatePortabilityCancelOpened  State = "portability_request_cancel_opened"
	StatePortabilityCancelStarted State = "portability_request_cancel_started"

	// Generic claim family (donor side).
	StateClaimPending State = "claim_pending"
	StateClaimClosing State = "claim_closing"
	StateClaimDenied  State = "claim_denied"

	// Deletion.
	StateDeleting State = "deleting"
	StateDeleted  State = "deleted"

	// Terminals.
	StateCanceled State = "canceled"
	StateError    State = "error"
)

// AliasType enumerates the registered alias kinds.
type AliasType string

const (
	AliasTypeDocument AliasType = "DOCUMENT"
	AliasTypePhone    AliasType = "PHONE"
	AliasTypeEmail    AliasType = "EMAIL"
	AliasTypeRandom   AliasType = "RANDOM"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrInvalidState = errors.New("trigger not legal from current state")
	ErrMissingField = errors.New("missing required field")
	ErrAliasTaken   = errors.New("alias already registered to a live key")
)

// Key is an addressing alias resolving to an account inside the network.
type Key struct {
	ID        int64     `json:"id"`
	KeyID     uuid.UUID `json:"keyId"`
	Owner     string    `json:"owner"`
	Alias     string    `json:"alias"`
	AliasType AliasType `json:"aliasType"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a key in the given provisional state.
func New(owner, alias string, aliasType AliasType, initial State) *Key {
	now := time.Now().UTC()
	return &Key{
		KeyID:     uuid.New(),
		Owner:     owner,
		Alias:     alias,
		AliasType: aliasType,
		State:     initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the state accepts no further triggers except the
// operator escape from error.
func (s State) Terminal() bool {
	switch s {
	case StateCanceled, StateDeleted, StateError:
		return true
	}
	return false
}

// InFlight reports whether the key is mid-protocol, i.e. neither usable nor
// terminally closed.
func (s State) InFlight() bool {
	return !s.Terminal() && s != StateActive
}
