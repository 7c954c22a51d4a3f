package api

import (
	"sync"
	"time"
)

// DeliveryEvent is one live attempt outcome pushed to admin tails.
type DeliveryEvent struct {
	Type       string    `json:"type"`
	DeliveryID string    `json:"deliveryId"`
	EndpointID string    `json:"endpointId"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	TS         time.Time `json:"ts"`
}

// EventBroker fans delivery events out to live subscribers. Subscribing with
// an empty endpoint id receives everything.
type EventBroker interface {
	Subscribe(endpointID string) chan DeliveryEvent
	Unsubscribe(endpointID string, ch chan DeliveryEvent)
	Publish(evt DeliveryEvent)
}

// Broker is the in-memory EventBroker used when no REDIS_URL is set.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan DeliveryEvent]struct{} // endpointId ("" = all) -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan DeliveryEvent]struct{}{}}
}

func (b *Broker) Subscribe(endpointID string) chan DeliveryEvent {
	ch := make(chan DeliveryEvent, 8)
	b.mu.Lock()
	if b.subs[endpointID] == nil {
		b.subs[endpointID] = map[chan DeliveryEvent]struct{}{}
	}
	b.subs[endpointID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(endpointID string, ch chan DeliveryEvent) {
	b.mu.Lock()
	if m := b.subs[endpointID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, endpointID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(evt DeliveryEvent) {
	keys := []string{""}
	if evt.EndpointID != "" {
		keys = append(keys, evt.EndpointID)
	}
	b.mu.Lock()
	for _, key := range keys {
		for ch := range b.subs[key] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	b.mu.Unlock()
}
