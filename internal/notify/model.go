package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/loanlife/loanledger/internal/events"
)

// KnownEvents lists the bus topics a subscription may listen on.
var KnownEvents = []string{
	events.CovenantRegistered,
	events.BreachDetected,
	events.ESGScoreRecorded,
	events.ESGAlertTriggered,
	events.AuditEntryCreated,
	events.IntegrityDegraded,
}

// Subscription is an actor's registration for outbound event delivery.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"` // never returned in API responses
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboundEvent is the payload POSTed to subscribed URLs.
type OutboundEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventType      string    `json:"event_type"`
	StatusCode     int       `json:"status_code"`
	Attempt        int       `json:"attempt"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required"`
	Actor  string   `json:"actor"`
}
