package claim

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the two claim protocols. Ownership and portability share
// one transition table; the kind is data, not a type hierarchy.
type Kind string

const (
	KindOwnership   Kind = "OWNERSHIP"
	KindPortability Kind = "PORTABILITY"
)

// RemoteStatus mirrors the central directory's view of the claim.
type RemoteStatus string

const (
	StatusOpen      RemoteStatus = "OPEN"
	StatusWaiting   RemoteStatus = "WAITING_RESOLUTION"
	StatusConfirmed RemoteStatus = "CONFIRMED"
	StatusCancelled RemoteStatus = "CANCELLED"
	StatusCompleted RemoteStatus = "COMPLETED"
	StatusExpired   RemoteStatus = "EXPIRED"
)

var ErrNotFound = errors.New("claim not found")

// Claim is an in-flight ownership or portability dispute over one alias. At
// most one claim per key is open at a time; resolved claims are archived in
// place, never deleted.
type Claim struct {
	ID                int64        `json:"id"`
	ClaimID           uuid.UUID    `json:"claimId"`
	KeyID             uuid.UUID    `json:"keyId"`
	Kind              Kind         `json:"kind"`
	Alias             string       `json:"alias"`
	RequesterISPB     string       `json:"requesterIspb"`
	DonorISPB         string       `json:"donorIspb"`
	Status            RemoteStatus `json:"status"`
	Resolved          bool         `json:"resolved"`
	ReconcileAttempts int          `json:"reconcileAttempts"`
	Reason            *string      `json:"reason,omitempty"`
	OpenedAt          time.Time    `json:"openedAt"`
	Deadline          time.Time    `json:"deadline"`
	ResolvedAt        *time.Time   `json:"resolvedAt,omitempty"`
}

// New opens a claim of the given kind against a key's alias.
func New(keyID uuid.UUID, kind Kind, alias, requesterISPB, donorISPB string, window time.Duration) *Claim {
	now := time.Now().UTC()
	return &Claim{
		ClaimID:       uuid.New(),
		KeyID:         keyID,
		Kind:          kind,
		Alias:         alias,
		RequesterISPB: requesterISPB,
		DonorISPB:     donorISPB,
		Status:        StatusOpen,
		OpenedAt:      now,
		Deadline:      now.Add(window),
	}
}

// Resolve archives the claim under its terminal status.
func (c *Claim) Resolve(status RemoteStatus) {
	c.Status = status
	c.Resolved = true
	now := time.Now().UTC()
	c.ResolvedAt = &now
}

// Expired reports whether the resolution window has passed.
func (c *Claim) Expired(now time.Time) bool {
	return now.After(c.Deadline)
}
