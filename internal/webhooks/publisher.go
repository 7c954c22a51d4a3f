package webhooks

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"hookrelay/internal/metrics"
	"hookrelay/internal/store"
)

// Publisher fans internal domain events out to delivery rows. It is the
// single producer-facing surface: business code calls EnqueueEvent and moves
// on. Every failure in here is logged and swallowed so webhook infrastructure
// can never roll back the transaction that produced the event.
type Publisher struct {
	Store       store.Store
	Log         *zap.Logger
	MaxAttempts int
}

func NewPublisher(s store.Store, log *zap.Logger, maxAttempts int) *Publisher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{Store: s, Log: log, MaxAttempts: maxAttempts}
}

// EnqueueEvent creates one pending delivery per enabled endpoint subscribed
// to eventType, using a snapshot of the current subscriptions. No matching
// endpoints is a no-op. Best-effort: errors never propagate.
func (p *Publisher) EnqueueEvent(ctx context.Context, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.Log.Error("webhook enqueue: marshal payload", zap.String("event", eventType), zap.Error(err))
		return
	}
	eps, err := p.Store.EndpointsForEvent(ctx, eventType)
	if err != nil {
		p.Log.Error("webhook enqueue: resolve endpoints", zap.String("event", eventType), zap.Error(err))
		return
	}
	if len(eps) == 0 {
		return
	}
	ids := make([]string, 0, len(eps))
	for _, ep := range eps {
		ids = append(ids, ep.ID)
	}
	created, err := p.Store.CreateDeliveries(ctx, eventType, body, ids, p.MaxAttempts)
	if err != nil {
		p.Log.Error("webhook enqueue: create deliveries", zap.String("event", eventType), zap.Int("endpoints", len(ids)), zap.Error(err))
		return
	}
	metrics.DeliveriesEnqueued.WithLabelValues(eventType).Add(float64(len(created)))
	p.Log.Debug("webhook enqueued", zap.String("event", eventType), zap.Int("deliveries", len(created)))
}
