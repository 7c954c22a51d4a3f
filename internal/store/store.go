package store

import (
	"context"
	"errors"
	"time"

	"hookrelay/internal/model"
)

// Store is the persistence interface shared by the API server and the
// dispatcher. Postgres is the production implementation; Memory backs tests
// and secret-free local runs.
type Store interface {
	// Endpoints
	CreateEndpoint(ctx context.Context, url string, events []string, secret string) (model.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (model.Endpoint, error)
	ListEndpoints(ctx context.Context, cursor string, limit int) ([]model.Endpoint, string, error)
	UpdateEndpoint(ctx context.Context, id string, patch model.EndpointPatch) (model.Endpoint, error)
	RotateEndpointSecret(ctx context.Context, id, secret string) error
	DeleteEndpoint(ctx context.Context, id string) error
	// EndpointsForEvent returns enabled endpoints subscribed to eventType.
	EndpointsForEvent(ctx context.Context, eventType string) ([]model.Endpoint, error)

	// Deliveries
	// CreateDeliveries fans one event out to the given endpoints atomically:
	// either every pending row is created or none is.
	CreateDeliveries(ctx context.Context, event string, payload []byte, endpointIDs []string, maxAttempts int) ([]string, error)
	// ClaimDue atomically moves up to limit due pending/failed rows to
	// processing and returns them with the endpoint's current URL and secret.
	// The claim is a conditional update, safe under concurrent dispatchers.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]ClaimedDelivery, error)
	// RecordAttempt increments the attempt counter, appends an attempt log
	// row, and transitions the delivery to success, failed, or dead.
	RecordAttempt(ctx context.Context, out model.AttemptOutcome, nextAttemptAt time.Time) (model.Delivery, error)
	// ReclaimStuck turns processing rows older than cutoff back into retryable
	// (or dead) rows so a crashed worker cannot stall a delivery forever.
	ReclaimStuck(ctx context.Context, cutoff time.Time) (int, error)
	GetDelivery(ctx context.Context, id string) (model.Delivery, error)
	ListDeliveries(ctx context.Context, f model.DeliveryFilter, cursor string, limit int) ([]model.Delivery, string, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]model.AttemptLog, error)
	// RequeueDead resets a dead delivery for a fresh round of attempts.
	RequeueDead(ctx context.Context, id string) error

	// Inbound idempotency. Returns true when the delivery id was newly
	// recorded, false when it was already processed.
	MarkInboundProcessed(ctx context.Context, source, deliveryID string) (bool, error)
}

// ClaimedDelivery is a delivery claimed for sending plus the destination
// resolved at claim time, so rotation and URL edits apply immediately.
type ClaimedDelivery struct {
	model.Delivery
	URL    string
	Secret string
}

var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when an update targets a success/dead row.
var ErrTerminal = errors.New("delivery is terminal")

// ErrNotDead is returned when requeue targets a row that is not dead-lettered.
var ErrNotDead = errors.New("delivery is not dead-lettered")
