package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

const maxInboundBody = 1 << 20

// EndpointsHandler serves POST (create) and GET (list) on /v1/endpoints.
func (s *Server) EndpointsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.EndpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateURL(req.URL); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid url", err.Error(), r.URL.Path)
			return
		}
		events, err := validateEvents(req.Events)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid events", err.Error(), r.URL.Path)
			return
		}
		secret := webhooks.NewSecret()
		ep, err := s.Store.CreateEndpoint(r.Context(), req.URL, events, secret)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create endpoint failed", err.Error(), r.URL.Path)
			return
		}
		// the secret leaves the system exactly once, right here
		writeJSON(w, http.StatusCreated, map[string]any{"endpoint": ep, "secret": secret})
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListEndpoints(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List endpoints failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// EndpointByIDHandler serves /v1/endpoints/{id} and /v1/endpoints/{id}/rotate-secret.
func (s *Server) EndpointByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/endpoints/")
	if id, ok := strings.CutSuffix(rest, "/rotate-secret"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.rotateSecret(w, r, id)
		return
	}
	id := rest
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		ep, err := s.Store.GetEndpoint(r.Context(), id)
		if err != nil {
			s.storeProblem(w, r, err, "Get endpoint failed")
			return
		}
		writeJSON(w, http.StatusOK, ep)
	case http.MethodPatch:
		var patch model.EndpointPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if patch.URL == nil && patch.Enabled == nil && patch.Events == nil {
			writeProblem(w, http.StatusBadRequest, "Empty patch", "at least one of url, enabled, events is required", r.URL.Path)
			return
		}
		if patch.URL != nil {
			if err := validateURL(*patch.URL); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid url", err.Error(), r.URL.Path)
				return
			}
		}
		if patch.Events != nil {
			events, err := validateEvents(*patch.Events)
			if err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid events", err.Error(), r.URL.Path)
				return
			}
			patch.Events = &events
		}
		ep, err := s.Store.UpdateEndpoint(r.Context(), id, patch)
		if err != nil {
			s.storeProblem(w, r, err, "Update endpoint failed")
			return
		}
		writeJSON(w, http.StatusOK, ep)
	case http.MethodDelete:
		if err := s.Store.DeleteEndpoint(r.Context(), id); err != nil {
			s.storeProblem(w, r, err, "Delete endpoint failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) rotateSecret(w http.ResponseWriter, r *http.Request, id string) {
	secret := webhooks.NewSecret()
	if err := s.Store.RotateEndpointSecret(r.Context(), id, secret); err != nil {
		s.storeProblem(w, r, err, "Rotate secret failed")
		return
	}
	s.Log.Info("endpoint secret rotated", zap.String("endpoint", id))
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

// DeliveriesHandler lists deliveries with status/endpointId/event filters,
// newest first.
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/deliveries" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	q := r.URL.Query()
	f := model.DeliveryFilter{
		Status:     q.Get("status"),
		EndpointID: q.Get("endpointId"),
		Event:      q.Get("event"),
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListDeliveries(r.Context(), f, q.Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	// keep listings light; the single-delivery view carries the payload
	for i := range items {
		items[i].Payload = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// DeliveryByIDHandler returns one delivery with its ordered attempt trail.
func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/deliveries/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	d, err := s.Store.GetDelivery(r.Context(), id)
	if err != nil {
		s.storeProblem(w, r, err, "Get delivery failed")
		return
	}
	attempts, err := s.Store.ListAttempts(r.Context(), id)
	if err != nil {
		s.storeProblem(w, r, err, "List attempts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivery": d, "attempts": attempts})
}

// DeadLettersHandler lists deliveries that exhausted their retry budget.
func (s *Server) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/dead-letters" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	f := model.DeliveryFilter{Status: model.StatusDead, EndpointID: q.Get("endpointId"), Event: q.Get("event")}
	items, next, err := s.Store.ListDeliveries(r.Context(), f, q.Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List dead letters failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// DeadLetterRequeueHandler serves POST /v1/admin/dead-letters/{id}/requeue.
func (s *Server) DeadLetterRequeueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/requeue") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/dead-letters/"), "/requeue")
	err := s.Store.RequeueDead(r.Context(), id)
	switch {
	case err == nil:
		s.Log.Info("dead letter requeued", zap.String("delivery", id))
		writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown delivery", r.URL.Path)
	case errors.Is(err, store.ErrNotDead):
		writeProblem(w, http.StatusConflict, "Not dead-lettered", "only dead deliveries can be requeued", r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Requeue failed", err.Error(), r.URL.Path)
	}
}

// InboundHandler verifies a webhook received from a configured source and
// deduplicates replays by delivery id.
func (s *Server) InboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	source := strings.TrimPrefix(r.URL.Path, "/v1/inbound/")
	if source == "" || strings.Contains(source, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	secret, ok := s.Cfg.Inbound.Sources[source]
	if !ok {
		writeProblem(w, http.StatusNotFound, "Unknown source", "", r.URL.Path)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody+1))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Read body failed", err.Error(), r.URL.Path)
		return
	}
	if len(body) > maxInboundBody {
		writeProblem(w, http.StatusRequestEntityTooLarge, "Body too large", "", r.URL.Path)
		return
	}
	h := webhooks.InboundHeaders{
		ID:        r.Header.Get(webhooks.HeaderID),
		Event:     r.Header.Get(webhooks.HeaderEvent),
		Timestamp: r.Header.Get(webhooks.HeaderTimestamp),
		Signature: r.Header.Get(webhooks.HeaderSignature),
	}
	applied, err := s.Inbound.Verify(r.Context(), source, secret, h, body)
	if err != nil {
		outcome := "rejected"
		status := http.StatusBadRequest
		title := "Invalid webhook"
		if errors.Is(err, webhooks.ErrSignatureMatch) {
			outcome = "unauthorized"
			status = http.StatusUnauthorized
			title = "Signature mismatch"
		}
		metrics.InboundVerifications.WithLabelValues(source, outcome).Inc()
		writeProblem(w, status, title, err.Error(), r.URL.Path)
		return
	}
	if applied {
		metrics.InboundVerifications.WithLabelValues(source, "accepted").Inc()
		s.Log.Info("inbound webhook accepted",
			zap.String("source", source), zap.String("delivery", h.ID), zap.String("event", h.Event))
	} else {
		metrics.InboundVerifications.WithLabelValues(source, "duplicate").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": !applied})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) storeProblem(w http.ResponseWriter, r *http.Request, err error, title string) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be absolute http(s)")
	}
	return nil
}

// validateEvents deduplicates while preserving order and enforces the event
// tag limits: at most 50 entries, each non-empty and at most 100 chars.
func validateEvents(events []string) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			return nil, errors.New("event names must be non-empty")
		}
		if len(ev) > 100 {
			return nil, errors.New("event names must be at most 100 chars")
		}
		if _, dup := seen[ev]; dup {
			continue
		}
		seen[ev] = struct{}{}
		out = append(out, ev)
	}
	if len(out) > 50 {
		return nil, errors.New("at most 50 events per endpoint")
	}
	return out, nil
}
