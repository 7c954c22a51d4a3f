package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set and as the
// test double for the dispatcher and admin handlers.
type Memory struct {
	mu            sync.Mutex
	endpoints     map[string]*model.Endpoint
	endpointOrder []string
	deliveries    map[string]*model.Delivery
	deliveryOrder []string // insertion order, oldest first
	attempts      map[string][]model.AttemptLog
	inbound       map[string]struct{} // source + "/" + delivery id
}

func NewMemory() *Memory {
	return &Memory{
		endpoints:  map[string]*model.Endpoint{},
		deliveries: map[string]*model.Delivery{},
		attempts:   map[string][]model.AttemptLog{},
		inbound:    map[string]struct{}{},
	}
}

func (m *Memory) CreateEndpoint(ctx context.Context, url string, events []string, secret string) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	ep := &model.Endpoint{
		ID:        uuid.New().String(),
		URL:       url,
		Secret:    secret,
		Enabled:   true,
		Events:    append([]string(nil), events...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.endpoints[ep.ID] = ep
	m.endpointOrder = append(m.endpointOrder, ep.ID)
	return *ep, nil
}

func (m *Memory) GetEndpoint(ctx context.Context, id string) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.Endpoint{}, ErrNotFound
	}
	return *ep, nil
}

func (m *Memory) ListEndpoints(ctx context.Context, cursor string, limit int) ([]model.Endpoint, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.endpointOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.Endpoint{}
	var last string
	for i := start; i < len(m.endpointOrder) && len(out) < limit; i++ {
		ep := m.endpoints[m.endpointOrder[i]]
		out = append(out, *ep)
		last = ep.ID
	}
	next := ""
	if len(out) == limit && start+len(out) < len(m.endpointOrder) {
		next = last
	}
	return out, next, nil
}

func (m *Memory) UpdateEndpoint(ctx context.Context, id string, patch model.EndpointPatch) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return model.Endpoint{}, ErrNotFound
	}
	if patch.URL != nil {
		ep.URL = *patch.URL
	}
	if patch.Enabled != nil {
		ep.Enabled = *patch.Enabled
	}
	if patch.Events != nil {
		ep.Events = append([]string(nil), (*patch.Events)...)
	}
	ep.UpdatedAt = time.Now().UTC()
	return *ep, nil
}

func (m *Memory) RotateEndpointSecret(ctx context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.Secret = secret
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteEndpoint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	for i, eid := range m.endpointOrder {
		if eid == id {
			m.endpointOrder = append(m.endpointOrder[:i], m.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) EndpointsForEvent(ctx context.Context, eventType string) ([]model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Endpoint{}
	for _, id := range m.endpointOrder {
		ep := m.endpoints[id]
		if ep.Enabled && ep.SubscribedTo(eventType) {
			out = append(out, *ep)
		}
	}
	return out, nil
}

func (m *Memory) CreateDeliveries(ctx context.Context, event string, payload []byte, endpointIDs []string, maxAttempts int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	ids := make([]string, 0, len(endpointIDs))
	for _, eid := range endpointIDs {
		d := &model.Delivery{
			ID:            uuid.New().String(),
			EndpointID:    eid,
			Event:         event,
			Payload:       append([]byte(nil), payload...),
			Status:        model.StatusPending,
			Attempts:      0,
			MaxAttempts:   maxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.deliveries[d.ID] = d
		m.deliveryOrder = append(m.deliveryOrder, d.ID)
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (m *Memory) ClaimDue(ctx context.Context, limit int, now time.Time) ([]ClaimedDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ClaimedDelivery{}
	for _, id := range m.deliveryOrder {
		if len(out) >= limit {
			break
		}
		d := m.deliveries[id]
		if d.Status != model.StatusPending && d.Status != model.StatusFailed {
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}
		ep, ok := m.endpoints[d.EndpointID]
		if !ok {
			// destination is gone; nothing left to retry against
			d.Status = model.StatusDead
			d.LastError = "endpoint deleted"
			d.UpdatedAt = now
			continue
		}
		t := now
		d.Status = model.StatusProcessing
		d.LastAttemptAt = &t
		d.UpdatedAt = now
		out = append(out, ClaimedDelivery{Delivery: *d, URL: ep.URL, Secret: ep.Secret})
	}
	return out, nil
}

func (m *Memory) RecordAttempt(ctx context.Context, out model.AttemptOutcome, nextAttemptAt time.Time) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[out.DeliveryID]
	if !ok {
		return model.Delivery{}, ErrNotFound
	}
	if model.TerminalStatus(d.Status) {
		return model.Delivery{}, ErrTerminal
	}
	now := time.Now().UTC()
	d.Attempts++
	d.LastStatusCode = out.StatusCode
	d.LastError = out.Error
	d.UpdatedAt = now
	started := out.StartedAt
	d.LastAttemptAt = &started
	logStatus := model.StatusFailed
	switch {
	case out.Success:
		d.Status = model.StatusSuccess
		d.DeliveredAt = &now
		logStatus = model.StatusSuccess
	case d.Attempts >= d.MaxAttempts:
		d.Status = model.StatusDead
	default:
		d.Status = model.StatusFailed
		d.NextAttemptAt = nextAttemptAt
	}
	m.attempts[d.ID] = append(m.attempts[d.ID], model.AttemptLog{
		ID:         uuid.New().String(),
		DeliveryID: d.ID,
		Attempt:    d.Attempts,
		StartedAt:  out.StartedAt,
		Status:     logStatus,
		StatusCode: out.StatusCode,
		Error:      out.Error,
		LatencyMs:  out.LatencyMs,
	})
	return *d, nil
}

func (m *Memory) ReclaimStuck(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if d.Status != model.StatusProcessing || d.LastAttemptAt == nil || !d.LastAttemptAt.Before(cutoff) {
			continue
		}
		d.Attempts++
		d.LastError = "attempt abandoned"
		d.UpdatedAt = now
		if d.Attempts >= d.MaxAttempts {
			d.Status = model.StatusDead
		} else {
			d.Status = model.StatusFailed
			d.NextAttemptAt = now
		}
		m.attempts[d.ID] = append(m.attempts[d.ID], model.AttemptLog{
			ID:         uuid.New().String(),
			DeliveryID: d.ID,
			Attempt:    d.Attempts,
			StartedAt:  *d.LastAttemptAt,
			Status:     model.StatusFailed,
			Error:      "attempt abandoned",
		})
		n++
	}
	return n, nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, ErrNotFound
	}
	return *d, nil
}

func (m *Memory) ListDeliveries(ctx context.Context, f model.DeliveryFilter, cursor string, limit int) ([]model.Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	// newest first
	start := len(m.deliveryOrder) - 1
	if cursor != "" {
		for i := len(m.deliveryOrder) - 1; i >= 0; i-- {
			if m.deliveryOrder[i] == cursor {
				start = i - 1
				break
			}
		}
	}
	out := []model.Delivery{}
	var last string
	more := false
	for i := start; i >= 0; i-- {
		d := m.deliveries[m.deliveryOrder[i]]
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.EndpointID != "" && d.EndpointID != f.EndpointID {
			continue
		}
		if f.Event != "" && !strings.Contains(d.Event, f.Event) {
			continue
		}
		if len(out) == limit {
			more = true
			break
		}
		out = append(out, *d)
		last = d.ID
	}
	next := ""
	if more {
		next = last
	}
	return out, next, nil
}

func (m *Memory) ListAttempts(ctx context.Context, deliveryID string) ([]model.AttemptLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[deliveryID]; !ok {
		return nil, ErrNotFound
	}
	return append([]model.AttemptLog(nil), m.attempts[deliveryID]...), nil
}

func (m *Memory) RequeueDead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != model.StatusDead {
		return ErrNotDead
	}
	now := time.Now().UTC()
	d.Status = model.StatusPending
	d.Attempts = 0
	d.NextAttemptAt = now
	d.UpdatedAt = now
	return nil
}

func (m *Memory) MarkInboundProcessed(ctx context.Context, source, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := source + "/" + deliveryID
	if _, ok := m.inbound[key]; ok {
		return false, nil
	}
	m.inbound[key] = struct{}{}
	return true, nil
}
