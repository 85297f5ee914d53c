package models

import (
	"encoding/json"
	"time"
)

type MutationStatus string

const (
	MutationPending   MutationStatus = "PENDING"
	MutationReplaying MutationStatus = "REPLAYING"
	MutationResolved  MutationStatus = "RESOLVED"
	MutationRequeued  MutationStatus = "REQUEUED"
	MutationDropped   MutationStatus = "DROPPED"
)

// QueuedMutation is one write waiting for connectivity. Payload is the full
// record as it was applied optimistically.
type QueuedMutation struct {
	ID             string          `json:"id"`
	Operation      Operation       `json:"operation"`
	Kind           Kind            `json:"kind"`
	RecordID       string          `json:"recordId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	TempID         string          `json:"tempId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempts       int             `json:"attempts"`
	Status         MutationStatus  `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	ActingUserID   string          `json:"actingUserId,omitempty"`
	CompanyID      string          `json:"companyId,omitempty"`
}

func (m QueuedMutation) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || m.EnqueuedAt.IsZero() {
		return false
	}
	return now.Sub(m.EnqueuedAt) > maxAge
}
