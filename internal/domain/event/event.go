package event

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/key"
)

// Event is one outbound notification per successful transition, named after
// the resulting state and carrying the full key/claim snapshot.
type Event struct {
	EventID    uuid.UUID    `json:"eventId"`
	Name       string       `json:"name"`
	KeyID      uuid.UUID    `json:"keyId"`
	Key        *key.Key     `json:"key"`
	Claim      *claim.Claim `json:"claim,omitempty"`
	OccurredAt time.Time    `json:"occurredAt"`
}

// New builds the event for a key that just transitioned.
func New(k *key.Key, c *claim.Claim) *Event {
	return &Event{
		EventID:    uuid.New(),
		Name:       NameForState(k.State),
		KeyID:      k.KeyID,
		Key:        k,
		Claim:      c,
		OccurredAt: time.Now().UTC(),
	}
}

// NameForState maps a resulting state to its published event name. Reaching
// active is announced as "ready" to the consuming subsystems.
func NameForState(s key.State) string {
	if s == key.StateActive {
		return "ready"
	}
	return strings.ReplaceAll(string(s), "_", "-")
}

// Emitter publishes events to downstream consumers. Emission happens only
// after the local commit; failures are retried by the outbox worker and never
// roll back state.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
}

// Delivery status of an outbox record.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Record is one row of the transactional outbox.
type Record struct {
	ID        int64           `json:"id"`
	EventID   uuid.UUID       `json:"eventId"`
	KeyID     uuid.UUID       `json:"keyId"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	SentAt    *time.Time      `json:"sentAt,omitempty"`
}

// NewRecord serializes an event for the outbox.
func NewRecord(evt *Event) (*Record, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &Record{
		EventID:   evt.EventID,
		KeyID:     evt.KeyID,
		Name:      evt.Name,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// OutboxRepository persists outbox records. Enqueue runs inside the same
// transaction as the state change.
type OutboxRepository interface {
	Enqueue(ctx context.Context, r *Record) error
	ListPending(ctx context.Context, limit int) ([]*Record, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}
