// Package directory defines the contract with the network's central
// directory. The directory is consumed only; its wire protocol lives behind
// the Gateway interface.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aliasdir/aliasdir/internal/domain/claim"
)

// ErrUnavailable marks transient transport failures and timeouts. The local
// transition is not committed; the same trigger is retried later.
var ErrUnavailable = errors.New("directory unavailable")

// RejectedError is a definitive business rejection from the directory.
// Retrying would repeat the same rejection; the key moves to the error state
// and waits for an operator.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("directory rejected: %s (%s)", e.Reason, e.Code)
}

// Retryable classifies a gateway error per the propagation policy.
func Retryable(err error) bool {
	var rej *RejectedError
	return err != nil && !errors.As(err, &rej)
}

// RemoteClaim is the directory's record of a claim.
type RemoteClaim struct {
	ClaimID       uuid.UUID
	Kind          claim.Kind
	Alias         string
	RequesterISPB string
	DonorISPB     string
	Status        claim.RemoteStatus
	Deadline      time.Time
}

// ClaimPage is one page of the directory's claim listing. An empty Cursor
// signals the last page.
type ClaimPage struct {
	Claims []*RemoteClaim
	Cursor string
}

// ClaimRequest registers a new claim in the directory.
type ClaimRequest struct {
	ClaimID       uuid.UUID
	Kind          claim.Kind
	Alias         string
	RequesterISPB string
	DonorISPB     string
}

// Gateway is the remote directory. Every call may fail with ErrUnavailable
// (retryable) or a RejectedError (terminal).
type Gateway interface {
	RegisterClaim(ctx context.Context, req ClaimRequest) (*RemoteClaim, error)
	GetClaim(ctx context.Context, claimID uuid.UUID) (*RemoteClaim, error)
	ListClaims(ctx context.Context, cursor string) (*ClaimPage, error)
	ConfirmClaim(ctx context.Context, claimID uuid.UUID, reason string) error
	CancelClaim(ctx context.Context, claimID uuid.UUID, reason string) error
	RemoveEntry(ctx context.Context, alias string) error
}
