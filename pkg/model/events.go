package model

import (
	"time"

	"github.com/google/uuid"
)

// TransactionEvent is the canonical envelope published when a new
// transaction is detected on the watched account.
type TransactionEvent struct {
	ID            uuid.UUID   `json:"id"`
	CorrelationID uuid.UUID   `json:"correlation_id"`
	EventType     string      `json:"event_type"` // e.g. "transaction.detected"
	Account       string      `json:"account"`
	Version       string      `json:"version"`
	Timestamp     time.Time   `json:"timestamp"`
	Transaction   Transaction `json:"transaction"`
}

// AlertEvent is published when the monitor escalates an operational
// condition (e.g. repeated auth failures) rather than a transaction.
type AlertEvent struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"` // "auth_failed", "cycle_failed", "startup"
	Message   string    `json:"message"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
