package key

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one append-only row per accepted transition. Rows are never
// mutated after insert; idempotent no-ops append nothing.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	KeyID     uuid.UUID `json:"keyId"`
	Prior     State     `json:"prior"`
	Next      State     `json:"next"`
	Trigger   Trigger   `json:"trigger"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"createdAt"`
	Signature []byte    `json:"signature,omitempty"`
}

// NewHistoryEntry records a transition performed by actor.
func NewHistoryEntry(keyID uuid.UUID, prior, next State, trg Trigger, actor string) *HistoryEntry {
	return &HistoryEntry{
		KeyID:     keyID,
		Prior:     prior,
		Next:      next,
		Trigger:   trg,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
}

type historyPayload struct {
	KeyID     string `json:"keyId"`
	Prior     string `json:"prior"`
	Next      string `json:"next"`
	Trigger   string `json:"trigger"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func buildHistoryPayload(e *HistoryEntry) historyPayload {
	return historyPayload{
		KeyID:     e.KeyID.String(),
		Prior:     string(e.Prior),
		Next:      string(e.Next),
		Trigger:   string(e.Trigger),
		Actor:     e.Actor,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SignHistoryEntry generates an HMAC signature over the canonical payload.
func SignHistoryEntry(e *HistoryEntry, secret []byte) ([]byte, error) {
	data, err := json.Marshal(buildHistoryPayload(e))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyHistoryEntry verifies the entry's HMAC signature.
func VerifyHistoryEntry(e *HistoryEntry, secret []byte) (bool, error) {
	if len(e.Signature) == 0 {
		return false, nil
	}
	expected, err := SignHistoryEntry(e, secret)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, e.Signature), nil
}
