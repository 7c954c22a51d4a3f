package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/model"
	"hookrelay/internal/webhooks"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Inbound.Sources = map[string]string{"partner": "shared-secret"}
	s, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func createEndpoint(t *testing.T, s *Server, url string, events []string) (model.Endpoint, string) {
	t.Helper()
	body, _ := json.Marshal(model.EndpointRequest{URL: url, Events: events})
	req := httptest.NewRequest(http.MethodPost, "/v1/endpoints", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.EndpointsHandler(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create endpoint: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Endpoint model.Endpoint `json:"endpoint"`
		Secret   string         `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	return out.Endpoint, out.Secret
}

func TestCreateEndpointReturnsSecretOnce(t *testing.T) {
	s := newTestServer(t)
	ep, secret := createEndpoint(t, s, "https://example.com/hook", []string{"job.created", "job.created", "job.deleted"})
	if !strings.HasPrefix(secret, "whsec_") {
		t.Fatalf("secret = %q", secret)
	}
	if len(ep.Events) != 2 {
		t.Fatalf("events not deduplicated: %v", ep.Events)
	}
	if !ep.Enabled {
		t.Fatal("new endpoint should be enabled")
	}

	// the list response must never carry the secret
	req := httptest.NewRequest(http.MethodGet, "/v1/endpoints", nil)
	rec := httptest.NewRecorder()
	s.EndpointsHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), secret) || strings.Contains(rec.Body.String(), "whsec_") {
		t.Fatal("secret leaked in listing")
	}
	var list struct {
		Items []map[string]any `json:"items"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Items) != 1 {
		t.Fatalf("items = %d", len(list.Items))
	}
	if _, leaked := list.Items[0]["secret"]; leaked {
		t.Fatal("secret field present in listing")
	}
}

func TestCreateEndpointValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing url", `{"events":["e"]}`},
		{"relative url", `{"url":"/hook","events":["e"]}`},
		{"bad scheme", `{"url":"ftp://example.com","events":["e"]}`},
		{"empty event name", `{"url":"https://example.com","events":[" "]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/endpoints", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			s.EndpointsHandler(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("code = %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("content-type = %q", ct)
			}
		})
	}
}

func TestEndpointPatch(t *testing.T) {
	s := newTestServer(t)
	ep, _ := createEndpoint(t, s, "https://example.com/hook", []string{"job.created"})

	req := httptest.NewRequest(http.MethodPatch, "/v1/endpoints/"+ep.ID, strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.EndpointByIDHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPatch, "/v1/endpoints/"+ep.ID, strings.NewReader(`{"enabled":false}`))
	rec = httptest.NewRecorder()
	s.EndpointByIDHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}
	var got model.Endpoint
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Enabled {
		t.Fatal("enabled not patched")
	}

	req = httptest.NewRequest(http.MethodPatch, "/v1/endpoints/unknown", strings.NewReader(`{"enabled":true}`))
	rec = httptest.NewRecorder()
	s.EndpointByIDHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", rec.Code)
	}
}

func TestEndpointDelete(t *testing.T) {
	s := newTestServer(t)
	ep, _ := createEndpoint(t, s, "https://example.com/hook", []string{"job.created"})

	req := httptest.NewRequest(http.MethodDelete, "/v1/endpoints/"+ep.ID, nil)
	rec := httptest.NewRecorder()
	s.EndpointByIDHandler(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/v1/endpoints/"+ep.ID, nil)
	rec = httptest.NewRecorder()
	s.EndpointByIDHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
}

func TestRotateSecretInvalidatesOldSignatures(t *testing.T) {
	s := newTestServer(t)
	ep, oldSecret := createEndpoint(t, s, "https://example.com/hook", []string{"job.created"})

	req := httptest.NewRequest(http.MethodPost, "/v1/endpoints/"+ep.ID+"/rotate-secret", nil)
	rec := httptest.NewRecorder()
	s.EndpointByIDHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Secret string `json:"secret"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Secret == "" || out.Secret == oldSecret {
		t.Fatalf("rotate returned %q", out.Secret)
	}

	stored, err := s.Store.GetEndpoint(req.Context(), ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{}`)
	ts := time.Now().Unix()
	oldSig := webhooks.Sign(oldSecret, ts, "job.created", body)
	if webhooks.VerifySignature(stored.Secret, ts, "job.created", body, oldSig) {
		t.Fatal("old secret still verifies after rotation")
	}
	newSig := webhooks.Sign(out.Secret, ts, "job.created", body)
	if !webhooks.VerifySignature(stored.Secret, ts, "job.created", body, newSig) {
		t.Fatal("new secret does not verify")
	}
}

func TestDeliveriesListingAndDetail(t *testing.T) {
	s := newTestServer(t)
	ep, _ := createEndpoint(t, s, "https://example.com/hook", []string{"job.created"})
	ctx := context.Background()
	ids, err := s.Store.CreateDeliveries(ctx, "job.created", []byte(`{"jobId":"j-1"}`), []string{ep.ID}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store.ClaimDue(ctx, 10, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store.RecordAttempt(ctx, model.AttemptOutcome{DeliveryID: ids[0], StartedAt: time.Now(), StatusCode: 500, Error: "unexpected status 500"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/deliveries?status=failed", nil)
	rec := httptest.NewRecorder()
	s.DeliveriesHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var list struct {
		Items []model.Delivery `json:"items"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Items) != 1 || list.Items[0].ID != ids[0] {
		t.Fatalf("items = %+v", list.Items)
	}
	if list.Items[0].Payload != nil {
		t.Fatal("listing must not carry payloads")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/deliveries/"+ids[0], nil)
	rec = httptest.NewRecorder()
	s.DeliveryByIDHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: %d", rec.Code)
	}
	var detail struct {
		Delivery model.Delivery     `json:"delivery"`
		Attempts []model.AttemptLog `json:"attempts"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &detail)
	if string(detail.Delivery.Payload) != `{"jobId":"j-1"}` {
		t.Fatalf("payload = %s", detail.Delivery.Payload)
	}
	if len(detail.Attempts) != 1 || detail.Attempts[0].StatusCode != 500 {
		t.Fatalf("attempts = %+v", detail.Attempts)
	}
}

func TestDeadLettersAndRequeue(t *testing.T) {
	s := newTestServer(t)
	ep, _ := createEndpoint(t, s, "https://example.com/hook", []string{"job.created"})
	ctx := context.Background()
	ids, _ := s.Store.CreateDeliveries(ctx, "job.created", []byte(`{}`), []string{ep.ID}, 1)
	if _, err := s.Store.ClaimDue(ctx, 10, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store.RecordAttempt(ctx, model.AttemptOutcome{DeliveryID: ids[0], StartedAt: time.Now(), StatusCode: 500, Error: "unexpected status 500"}, time.Now()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/dead-letters", nil)
	rec := httptest.NewRecorder()
	s.DeadLettersHandler(rec, req)
	var list struct {
		Items []model.Delivery `json:"items"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Items) != 1 || list.Items[0].Status != model.StatusDead {
		t.Fatalf("dead letters = %+v", list.Items)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/admin/dead-letters/"+ids[0]+"/requeue", nil)
	rec = httptest.NewRecorder()
	s.DeadLetterRequeueHandler(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("requeue: %d %s", rec.Code, rec.Body.String())
	}
	d, _ := s.Store.GetDelivery(ctx, ids[0])
	if d.Status != model.StatusPending {
		t.Fatalf("status after requeue = %s", d.Status)
	}

	// requeuing a non-dead row conflicts, an unknown one is not found
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/dead-letters/"+ids[0]+"/requeue", nil)
	rec = httptest.NewRecorder()
	s.DeadLetterRequeueHandler(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double requeue: %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/dead-letters/unknown/requeue", nil)
	rec = httptest.NewRecorder()
	s.DeadLetterRequeueHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown requeue: %d", rec.Code)
	}
}

func inboundRequest(source, secret, id, event string, ts int64, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/inbound/"+source, bytes.NewReader(body))
	req.Header.Set(webhooks.HeaderID, id)
	req.Header.Set(webhooks.HeaderEvent, event)
	req.Header.Set(webhooks.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(webhooks.HeaderSignature, webhooks.Sign(secret, ts, event, body))
	return req
}

func TestInboundHandler(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"jobId":"j-1"}`)
	ts := time.Now().Unix()

	rec := httptest.NewRecorder()
	s.InboundHandler(rec, inboundRequest("partner", "shared-secret", "evt-1", "job.created", ts, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("inbound: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Received  bool `json:"received"`
		Duplicate bool `json:"duplicate"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Received || out.Duplicate {
		t.Fatalf("out = %+v", out)
	}

	// replay: still 200, flagged duplicate
	rec = httptest.NewRecorder()
	s.InboundHandler(rec, inboundRequest("partner", "shared-secret", "evt-1", "job.created", ts, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Duplicate {
		t.Fatal("replay not marked duplicate")
	}

	// wrong secret
	rec = httptest.NewRecorder()
	s.InboundHandler(rec, inboundRequest("partner", "wrong", "evt-2", "job.created", ts, body))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", rec.Code)
	}

	// stale timestamp
	rec = httptest.NewRecorder()
	s.InboundHandler(rec, inboundRequest("partner", "shared-secret", "evt-3", "job.created", ts-301, body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("stale: %d", rec.Code)
	}

	// missing headers
	req := httptest.NewRequest(http.MethodPost, "/v1/inbound/partner", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.InboundHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing headers: %d", rec.Code)
	}

	// unknown source
	rec = httptest.NewRecorder()
	s.InboundHandler(rec, inboundRequest("stranger", "shared-secret", "evt-4", "job.created", ts, body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown source: %d", rec.Code)
	}

	// only POST
	req = httptest.NewRequest(http.MethodGet, "/v1/inbound/partner", nil)
	rec = httptest.NewRecorder()
	s.InboundHandler(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method: %d", rec.Code)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	handlers := map[string]http.HandlerFunc{
		"/v1/endpoints":            s.EndpointsHandler,
		"/v1/endpoints/abc":        s.EndpointByIDHandler,
		"/v1/admin/deliveries":     s.DeliveriesHandler,
		"/v1/admin/deliveries/abc": s.DeliveryByIDHandler,
		"/v1/admin/dead-letters":   s.DeadLettersHandler,
	}
	for path, h := range handlers {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Role", "viewer")
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: code = %d, want 403", path, rec.Code)
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
}
