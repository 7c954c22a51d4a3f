package model

import (
	"encoding/json"
	"time"
)

// Delivery status values as stored. success and dead are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusDead       = "dead"
)

// TerminalStatus reports whether a delivery in the given status will never
// be picked up by the dispatcher again.
func TerminalStatus(s string) bool { return s == StatusSuccess || s == StatusDead }

// Endpoint is a registered webhook destination. Secret is never serialized;
// create and rotate responses carry it exactly once, out of band of this type.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SubscribedTo reports membership of eventType in the endpoint's event set.
func (e Endpoint) SubscribedTo(eventType string) bool {
	for _, ev := range e.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}

// Delivery is one attempt-tracked unit: this event must reach this endpoint.
// URL and secret are resolved from the endpoint at send time, not snapshotted
// here, so secret rotation takes effect immediately.
type Delivery struct {
	ID             string          `json:"id"`
	EndpointID     string          `json:"endpointId"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastError      string          `json:"lastError,omitempty"`
	LastStatusCode int             `json:"lastStatusCode,omitempty"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// AttemptLog is one append-only audit row per send attempt.
type AttemptLog struct {
	ID         string    `json:"id"`
	DeliveryID string    `json:"deliveryId"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"startedAt"`
	Status     string    `json:"status"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	LatencyMs  int       `json:"latencyMs"`
}

// EndpointRequest is the create payload for POST /v1/endpoints.
type EndpointRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// EndpointPatch is a partial update; nil fields are left untouched.
type EndpointPatch struct {
	URL     *string   `json:"url,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`
	Events  *[]string `json:"events,omitempty"`
}

// DeliveryFilter narrows admin delivery listings.
type DeliveryFilter struct {
	Status     string
	EndpointID string
	// Event matches as a substring of the delivery's event type.
	Event string
}

// AttemptOutcome is what the dispatcher records after one send.
type AttemptOutcome struct {
	DeliveryID string
	StartedAt  time.Time
	StatusCode int
	Error      string
	LatencyMs  int
	Success    bool
}
