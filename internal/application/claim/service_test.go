package claim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/directory"
	"github.com/aliasdir/aliasdir/internal/domain/event"
	"github.com/aliasdir/aliasdir/internal/domain/key"
)

// In-memory stores. GetForUpdate hands out copies and Update writes copies
// back, so an aborted closure leaves the maps untouched the same way a
// rolled-back transaction would.

type memKeys struct {
	byID map[uuid.UUID]key.Key
}

func (m *memKeys) Create(_ context.Context, k *key.Key) error {
	m.byID[k.KeyID] = *k
	return nil
}

func (m *memKeys) Update(_ context.Context, k *key.Key) error {
	m.byID[k.KeyID] = *k
	return nil
}

func (m *memKeys) GetByID(_ context.Context, keyID uuid.UUID) (*key.Key, error) {
	k, ok := m.byID[keyID]
	if !ok {
		return nil, nil
	}
	cp := k
	return &cp, nil
}

func (m *memKeys) GetForUpdate(ctx context.Context, keyID uuid.UUID) (*key.Key, error) {
	return m.GetByID(ctx, keyID)
}

func (m *memKeys) GetActiveByAlias(_ context.Context, alias string) (*key.Key, error) {
	for _, k := range m.byID {
		if k.Alias == alias && !k.State.Terminal() {
			cp := k
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memKeys) List(_ context.Context, owner string, limit, offset int) ([]*key.Key, error) {
	var out []*key.Key
	for _, k := range m.byID {
		if owner == "" || k.Owner == owner {
			cp := k
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memClaims struct {
	byID map[uuid.UUID]domainClaim.Claim
}

func (m *memClaims) Create(_ context.Context, c *domainClaim.Claim) error {
	m.byID[c.ClaimID] = *c
	return nil
}

func (m *memClaims) Update(_ context.Context, c *domainClaim.Claim) error {
	m.byID[c.ClaimID] = *c
	return nil
}

func (m *memClaims) GetByID(_ context.Context, claimID uuid.UUID) (*domainClaim.Claim, error) {
	c, ok := m.byID[claimID]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (m *memClaims) GetOpenByKey(_ context.Context, keyID uuid.UUID) (*domainClaim.Claim, error) {
	for _, c := range m.byID {
		if c.KeyID == keyID && !c.Resolved {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memClaims) ListUnresolved(_ context.Context, limit int) ([]*domainClaim.Claim, error) {
	var out []*domainClaim.Claim
	for _, c := range m.byID {
		if !c.Resolved {
			cp := c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memClaims) ListByKey(_ context.Context, keyID uuid.UUID) ([]*domainClaim.Claim, error) {
	var out []*domainClaim.Claim
	for _, c := range m.byID {
		if c.KeyID == keyID {
			cp := c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memHistory struct {
	rows []key.HistoryEntry
}

func (m *memHistory) Append(_ context.Context, e *key.HistoryEntry) error {
	m.rows = append(m.rows, *e)
	return nil
}

func (m *memHistory) ListByKey(_ context.Context, keyID uuid.UUID) ([]*key.HistoryEntry, error) {
	var out []*key.HistoryEntry
	for i := range m.rows {
		if m.rows[i].KeyID == keyID {
			cp := m.rows[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memHistory) LastGoodState(_ context.Context, keyID uuid.UUID) (key.State, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].KeyID == keyID && m.rows[i].Next == key.StateError {
			return m.rows[i].Prior, nil
		}
	}
	return "", nil
}

type memOutbox struct {
	records []event.Record
}

func (m *memOutbox) Enqueue(_ context.Context, r *event.Record) error {
	r.ID = int64(len(m.records) + 1)
	m.records = append(m.records, *r)
	return nil
}

func (m *memOutbox) ListPending(_ context.Context, limit int) ([]*event.Record, error) {
	var out []*event.Record
	for i := range m.records {
		if m.records[i].Status != event.StatusSent {
			cp := m.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memOutbox) MarkSent(_ context.Context, id int64) error {
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Status = event.StatusSent
		}
	}
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id int64, reason string) error {
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Status = event.StatusFailed
			m.records[i].Attempts++
		}
	}
	return nil
}

// memUOW snapshots the maps before the closure and restores them on error,
// mirroring transaction rollback.
type memUOW struct {
	keys    *memKeys
	claims  *memClaims
	history *memHistory
	outbox  *memOutbox
}

func newMemUOW() *memUOW {
	return &memUOW{
		keys:    &memKeys{byID: map[uuid.UUID]key.Key{}},
		claims:  &memClaims{byID: map[uuid.UUID]domainClaim.Claim{}},
		history: &memHistory{},
		outbox:  &memOutbox{},
	}
}

func (u *memUOW) Run(_ context.Context, fn func(Stores) error) error {
	keysSnap := make(map[uuid.UUID]key.Key, len(u.keys.byID))
	for k, v := range u.keys.byID {
		keysSnap[k] = v
	}
	claimsSnap := make(map[uuid.UUID]domainClaim.Claim, len(u.claims.byID))
	for k, v := range u.claims.byID {
		claimsSnap[k] = v
	}
	histSnap := append([]key.HistoryEntry(nil), u.history.rows...)
	outSnap := append([]event.Record(nil), u.outbox.records...)

	err := fn(Stores{Keys: u.keys, Claims: u.claims, History: u.history, Outbox: u.outbox})
	if err != nil {
		u.keys.byID = keysSnap
		u.claims.byID = claimsSnap
		u.history.rows = histSnap
		u.outbox.records = outSnap
	}
	return err
}

// fakeGateway returns the configured error per method and counts calls.
type fakeGateway struct {
	registerErr error
	confirmErr  error
	cancelErr   error
	removeErr   error

	registerCalls int
	confirmCalls  int
	cancelCalls   int
	removeCalls   int
}

func (g *fakeGateway) RegisterClaim(_ context.Context, req directory.ClaimRequest) (*directory.RemoteClaim, error) {
	g.registerCalls++
	if g.registerErr != nil {
		return nil, g.registerErr
	}
	return &directory.RemoteClaim{ClaimID: req.ClaimID, Kind: req.Kind, Alias: req.Alias, Status: domainClaim.StatusOpen}, nil
}

func (g *fakeGateway) GetClaim(_ context.Context, claimID uuid.UUID) (*directory.RemoteClaim, error) {
	return nil, directory.ErrUnavailable
}

func (g *fakeGateway) ListClaims(_ context.Context, cursor string) (*directory.ClaimPage, error) {
	return &directory.ClaimPage{}, nil
}

func (g *fakeGateway) ConfirmClaim(_ context.Context, claimID uuid.UUID, reason string) error {
	g.confirmCalls++
	return g.confirmErr
}

func (g *fakeGateway) CancelClaim(_ context.Context, claimID uuid.UUID, reason string) error {
	g.cancelCalls++
	return g.cancelErr
}

func (g *fakeGateway) RemoveEntry(_ context.Context, alias string) error {
	g.removeCalls++
	return g.removeErr
}

var testHistoryKey = []byte("history-test-secret")

func newTestService(uow *memUOW, gw *fakeGateway) *Service {
	return NewService(uow, gw, "11111111", 7*24*time.Hour, testHistoryKey, nil, zerolog.Nop())
}

func seedKey(uow *memUOW, state key.State) *key.Key {
	k := key.New("acct:1", "alice@example.com", key.AliasTypeEmail, state)
	uow.keys.byID[k.KeyID] = *k
	return k
}

func seedClaim(uow *memUOW, keyID uuid.UUID, kind domainClaim.Kind) *domainClaim.Claim {
	c := domainClaim.New(keyID, kind, "alice@example.com", "11111111", "22222222", time.Hour)
	uow.claims.byID[c.ClaimID] = *c
	return c
}

func TestApply_AcceptedTransition(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StatePending)

	out, err := svc.Apply(context.Background(), k.KeyID, key.TriggerConfirm, Input{Actor: "user:alice"})
	require.NoError(t, err)
	assert.Equal(t, key.StateConfirmed, out.State)

	require.Len(t, uow.history.rows, 1)
	entry := uow.history.rows[0]
	assert.Equal(t, key.StatePending, entry.Prior)
	assert.Equal(t, key.StateConfirmed, entry.Next)
	assert.Equal(t, "user:alice", entry.Actor)
	ok, err := key.VerifyHistoryEntry(&entry, testHistoryKey)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, uow.outbox.records, 1)
	assert.Equal(t, "confirmed", uow.outbox.records[0].Name)
	assert.Equal(t, event.StatusPending, uow.outbox.records[0].Status)
}

func TestApply_ReadyArchivesClaim(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateOwnershipConfirmed)
	c := seedClaim(uow, k.KeyID, domainClaim.KindOwnership)

	out, err := svc.Apply(context.Background(), k.KeyID, key.TriggerReadyOwnership, Input{Actor: "system:reconciler"})
	require.NoError(t, err)
	assert.Equal(t, key.StateActive, out.State)

	archived := uow.claims.byID[c.ClaimID]
	assert.True(t, archived.Resolved)
	assert.Equal(t, domainClaim.StatusCompleted, archived.Status)
	require.NotNil(t, archived.ResolvedAt)
}

func TestApply_DonorCancelsOwnershipClaim(t *testing.T) {
	uow := newMemUOW()
	gw := &fakeGateway{}
	svc := newTestService(uow, gw)
	k := seedKey(uow, key.StateClaimPending)
	c := seedClaim(uow, k.KeyID, domainClaim.KindOwnership)

	out, err := svc.Apply(context.Background(), k.KeyID, key.TriggerCancelOwnership, Input{
		Reason: "account closed",
		Actor:  "user:alice",
	})
	require.NoError(t, err)
	assert.Equal(t, key.StateOwnershipCanceling, out.State)
	assert.Equal(t, 1, gw.cancelCalls)
	assert.Equal(t, domainClaim.StatusCancelled, uow.claims.byID[c.ClaimID].Status)
}

func TestApply_NoOpPersistsNothing(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateConfirmed)

	out, err := svc.Apply(context.Background(), k.KeyID, key.TriggerConfirm, Input{})
	require.NoError(t, err)
	assert.Equal(t, key.StateConfirmed, out.State)
	assert.Empty(t, uow.history.rows)
	assert.Empty(t, uow.outbox.records)
}

func TestApply_DoubleDeliveryAppendsOnce(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StatePending)

	_, err := svc.Apply(context.Background(), k.KeyID, key.TriggerConfirm, Input{})
	require.NoError(t, err)
	_, err = svc.Apply(context.Background(), k.KeyID, key.TriggerConfirm, Input{})
	require.NoError(t, err)

	assert.Len(t, uow.history.rows, 1)
	assert.Len(t, uow.outbox.records, 1)
}

func TestApply_MissingReason(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateOwnershipOpened)
	seedClaim(uow, k.KeyID, domainClaim.KindOwnership)

	_, err := svc.Apply(context.Background(), k.KeyID, key.TriggerCancelOwnership, Input{Actor: "user:alice"})
	assert.ErrorIs(t, err, key.ErrMissingField)

	stored := uow.keys.byID[k.KeyID]
	assert.Equal(t, key.StateOwnershipOpened, stored.State)
}

func TestApply_KeyNotFound(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})

	_, err := svc.Apply(context.Background(), uuid.New(), key.TriggerConfirm, Input{})
	assert.ErrorIs(t, err, key.ErrNotFound)
}

func TestApply_IllegalTrigger(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateCanceled)

	_, err := svc.Apply(context.Background(), k.KeyID, key.TriggerConfirm, Input{})
	assert.ErrorIs(t, err, key.ErrInvalidState)
}

func TestApply_ClaimScopedWithoutOpenClaim(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateOwnershipOpened)

	_, err := svc.Apply(context.Background(), k.KeyID, key.TriggerWaitOwnership, Input{})
	assert.ErrorIs(t, err, domainClaim.ErrNotFound)
}

func TestApply_GatewayUnavailableLeavesStateForRetry(t *testing.T) {
	uow := newMemUOW()
	gw := &fakeGateway{confirmErr: directory.ErrUnavailable}
	svc := newTestService(uow, gw)
	k := seedKey(uow, key.StateOwnershipOpened)
	seedClaim(uow, k.KeyID, domainClaim.KindOwnership)

	_, err := svc.ApproveOwnership(context.Background(), k.KeyID, Input{Actor: "user:alice"})
	require.ErrorIs(t, err, directory.ErrUnavailable)

	stored := uow.keys.byID[k.KeyID]
	assert.Equal(t, key.StateOwnershipOpened, stored.State)
	assert.Empty(t, uow.history.rows)
	assert.Empty(t, uow.outbox.records)

	// gateway recovers, the same trigger lands
	gw.confirmErr = nil
	out, err := svc.ApproveOwnership(context.Background(), k.KeyID, Input{Actor: "user:alice"})
	require.NoError(t, err)
	assert.Equal(t, key.StateOwnershipWaiting, out.State)
	assert.Equal(t, 2, gw.confirmCalls)

	c, err := uow.claims.GetOpenByKey(context.Background(), k.KeyID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domainClaim.StatusWaiting, c.Status)
}

func TestApply_GatewayRejectionParksKeyInError(t *testing.T) {
	uow := newMemUOW()
	gw := &fakeGateway{confirmErr: &directory.RejectedError{Code: "DENIED", Reason: "alias under dispute"}}
	svc := newTestService(uow, gw)
	k := seedKey(uow, key.StateOwnershipOpened)
	c := seedClaim(uow, k.KeyID, domainClaim.KindOwnership)

	out, err := svc.ApproveOwnership(context.Background(), k.KeyID, Input{Actor: "user:alice"})
	require.NoError(t, err)
	assert.Equal(t, key.StateError, out.State)

	require.Len(t, uow.history.rows, 1)
	assert.Equal(t, key.StateOwnershipOpened, uow.history.rows[0].Prior)
	assert.Equal(t, key.StateError, uow.history.rows[0].Next)

	require.Len(t, uow.outbox.records, 1)
	assert.Equal(t, "error", uow.outbox.records[0].Name)

	stored := uow.claims.byID[c.ClaimID]
	require.NotNil(t, stored.Reason)
	assert.Equal(t, "alias under dispute", *stored.Reason)
}

func TestStartOwnership(t *testing.T) {
	uow := newMemUOW()
	gw := &fakeGateway{}
	svc := newTestService(uow, gw)

	out, err := svc.StartOwnership(context.Background(), StartRequest{
		Owner:     "acct:1",
		Alias:     "alice@example.com",
		AliasType: key.AliasTypeEmail,
		DonorISPB: "22222222",
		Actor:     "user:alice",
	})
	require.NoError(t, err)
	assert.Equal(t, key.StateOwnershipOpened, out.State)
	assert.Equal(t, 1, gw.registerCalls)

	c, err := uow.claims.GetOpenByKey(context.Background(), out.KeyID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, domainClaim.KindOwnership, c.Kind)
	assert.Equal(t, "11111111", c.RequesterISPB)
	assert.Equal(t, "22222222", c.DonorISPB)
	assert.Equal(t, domainClaim.StatusOpen, c.Status)
}

func TestStartOwnership_MissingFields(t *testing.T) {
	svc := newTestService(newMemUOW(), &fakeGateway{})

	_, err := svc.StartOwnership(context.Background(), StartRequest{Owner: "acct:1"})
	assert.ErrorIs(t, err, key.ErrMissingField)
}

func TestStartOwnership_AliasTaken(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	seedKey(uow, key.StateActive)

	_, err := svc.StartOwnership(context.Background(), StartRequest{
		Owner:     "acct:2",
		Alias:     "alice@example.com",
		AliasType: key.AliasTypeEmail,
		DonorISPB: "22222222",
	})
	assert.ErrorIs(t, err, key.ErrAliasTaken)
}

func TestStartPortability_GatewayDownLeavesRetryablePending(t *testing.T) {
	uow := newMemUOW()
	gw := &fakeGateway{registerErr: directory.ErrUnavailable}
	svc := newTestService(uow, gw)

	_, err := svc.StartPortability(context.Background(), StartRequest{
		Owner:     "acct:1",
		Alias:     "alice@example.com",
		AliasType: key.AliasTypeEmail,
		DonorISPB: "22222222",
	})
	require.ErrorIs(t, err, directory.ErrUnavailable)

	// key and claim were committed before registration was attempted
	k, err := uow.keys.GetActiveByAlias(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Equal(t, key.StatePortabilityPending, k.State)

	gw.registerErr = nil
	out, err := svc.Apply(context.Background(), k.KeyID, key.TriggerOpenPortability, Input{})
	require.NoError(t, err)
	assert.Equal(t, key.StatePortabilityOpened, out.State)
}

func TestReceiveClaim(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateActive)
	remoteClaimID := uuid.New()

	out, err := svc.ReceiveClaim(context.Background(), k.KeyID, remoteClaimID, domainClaim.KindOwnership, "33333333", "system:bus")
	require.NoError(t, err)
	assert.Equal(t, key.StateClaimPending, out.State)

	c, err := uow.claims.GetByID(context.Background(), remoteClaimID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "33333333", c.RequesterISPB)
	assert.Equal(t, "11111111", c.DonorISPB)

	// redelivery is a no-op
	out, err = svc.ReceiveClaim(context.Background(), k.KeyID, remoteClaimID, domainClaim.KindOwnership, "33333333", "system:bus")
	require.NoError(t, err)
	assert.Equal(t, key.StateClaimPending, out.State)
	assert.Len(t, uow.history.rows, 1)
	assert.Len(t, uow.claims.byID, 1)
}

func TestResolveError_Cancel(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateError)

	out, err := svc.ResolveError(context.Background(), k.KeyID, true, "operator:bob")
	require.NoError(t, err)
	assert.Equal(t, key.StateCanceled, out.State)
}

func TestResolveError_Restore(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateError)
	uow.history.rows = []key.HistoryEntry{
		{KeyID: k.KeyID, Prior: key.StatePending, Next: key.StateConfirmed, Trigger: key.TriggerConfirm},
		{KeyID: k.KeyID, Prior: key.StateConfirmed, Next: key.StateActive, Trigger: key.TriggerActivate},
		{KeyID: k.KeyID, Prior: key.StateActive, Next: key.StateError, Trigger: key.TriggerFail},
	}

	out, err := svc.ResolveError(context.Background(), k.KeyID, false, "operator:bob")
	require.NoError(t, err)
	assert.Equal(t, key.StateActive, out.State)

	last := uow.history.rows[len(uow.history.rows)-1]
	assert.Equal(t, key.TriggerErrorRestore, last.Trigger)
	assert.Equal(t, key.StateError, last.Prior)
	assert.Equal(t, key.StateActive, last.Next)
}

func TestResolveError_RestoreWithoutHistory(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateError)

	_, err := svc.ResolveError(context.Background(), k.KeyID, false, "operator:bob")
	assert.ErrorIs(t, err, key.ErrInvalidState)
}

func TestResolveError_NotErrored(t *testing.T) {
	uow := newMemUOW()
	svc := newTestService(uow, &fakeGateway{})
	k := seedKey(uow, key.StateActive)

	_, err := svc.ResolveError(context.Background(), k.KeyID, false, "operator:bob")
	assert.ErrorIs(t, err, key.ErrInvalidState)
}

func TestApply_DeleteRunsRemoveEntry(t *testing.T) {
	uow := newMemUOW()
	gw := &fakeGateway{}
	svc := newTestService(uow, gw)
	k := seedKey(uow, key.StateActive)

	out, err := svc.Apply(context.Background(), k.KeyID, key.TriggerDelete, Input{Actor: "user:alice"})
	require.NoError(t, err)
	assert.Equal(t, key.StateDeleting, out.State)
	assert.Equal(t, 1, gw.removeCalls)

	out, err = svc.Apply(context.Background(), k.KeyID, key.TriggerDeleteDone, Input{})
	require.NoError(t, err)
	assert.Equal(t, key.StateDeleted, out.State)
}

func TestTransitionOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "unknown key", err: key.ErrNotFound, want: "not_found"},
		{name: "no open claim", err: fmt.Errorf("approve_ownership: %w", domainClaim.ErrNotFound), want: "not_found"},
		{name: "gateway outage", err: fmt.Errorf("gateway effect: %w", directory.ErrUnavailable), want: "retryable"},
		{name: "illegal transition", err: fmt.Errorf("confirm from canceled: %w", key.ErrInvalidState), want: "rejected"},
		{name: "directory rejection", err: &directory.RejectedError{Code: "AP403", Reason: "window closed"}, want: "rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transitionOutcome(tt.err))
		})
	}
}
