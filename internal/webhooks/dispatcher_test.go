package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

func testWorker(t *testing.T, s store.Store) *Worker {
	t.Helper()
	cfg := config.Default()
	cfg.Dispatcher.BackoffBase = time.Millisecond
	cfg.Dispatcher.SendTimeout = 2 * time.Second
	return NewWorker(s, nil, cfg)
}

// drain runs processOnce until nothing is claimable or maxRounds passes,
// pausing between rounds so millisecond backoffs come due.
func drain(ctx context.Context, w *Worker, maxRounds int) {
	for i := 0; i < maxRounds; i++ {
		w.processOnce(ctx)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerDeliversSignedRequest(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := NewSecret()
	ep, _ := mem.CreateEndpoint(ctx, srv.URL, []string{"job.created"}, secret)
	ids, _ := mem.CreateDeliveries(ctx, "job.created", []byte(`{"jobId":"j-1"}`), []string{ep.ID}, 5)

	w := testWorker(t, mem)
	w.processOnce(ctx)

	d, err := mem.GetDelivery(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != model.StatusSuccess {
		t.Fatalf("status = %s, lastError = %q", d.Status, d.LastError)
	}
	if d.Attempts != 1 || d.LastStatusCode != 200 {
		t.Fatalf("attempts = %d, code = %d", d.Attempts, d.LastStatusCode)
	}
	if d.DeliveredAt == nil {
		t.Fatal("deliveredAt not set")
	}

	if got := gotHeaders.Get(HeaderID); got != ids[0] {
		t.Fatalf("%s = %q", HeaderID, got)
	}
	if got := gotHeaders.Get(HeaderEvent); got != "job.created" {
		t.Fatalf("%s = %q", HeaderEvent, got)
	}
	ts, err := strconv.ParseInt(gotHeaders.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		t.Fatalf("bad timestamp header: %v", err)
	}
	if !VerifySignature(secret, ts, "job.created", gotBody, gotHeaders.Get(HeaderSignature)) {
		t.Fatal("signature does not verify against the endpoint secret")
	}
}

func TestWorkerRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, _ := mem.CreateEndpoint(ctx, srv.URL, []string{"job.created"}, NewSecret())
	ids, _ := mem.CreateDeliveries(ctx, "job.created", []byte(`{}`), []string{ep.ID}, 5)

	w := testWorker(t, mem)
	drain(ctx, w, 5)

	d, _ := mem.GetDelivery(ctx, ids[0])
	if d.Status != model.StatusSuccess {
		t.Fatalf("status = %s after retries", d.Status)
	}
	if d.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", d.Attempts)
	}
	logs, _ := mem.ListAttempts(ctx, ids[0])
	if len(logs) != 3 {
		t.Fatalf("attempt logs = %d, want 3", len(logs))
	}
	if logs[0].Status != model.StatusFailed || logs[1].Status != model.StatusFailed || logs[2].Status != model.StatusSuccess {
		t.Fatalf("log statuses = %s,%s,%s", logs[0].Status, logs[1].Status, logs[2].Status)
	}
	if logs[0].StatusCode != 500 || logs[2].StatusCode != 200 {
		t.Fatalf("log codes = %d,%d", logs[0].StatusCode, logs[2].StatusCode)
	}
}

func TestWorkerDeadLettersAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep, _ := mem.CreateEndpoint(ctx, srv.URL, []string{"job.created"}, NewSecret())
	ids, _ := mem.CreateDeliveries(ctx, "job.created", []byte(`{}`), []string{ep.ID}, 5)

	w := testWorker(t, mem)
	drain(ctx, w, 8)

	d, _ := mem.GetDelivery(ctx, ids[0])
	if d.Status != model.StatusDead {
		t.Fatalf("status = %s, want dead", d.Status)
	}
	if d.Attempts != 5 {
		t.Fatalf("attempts = %d, want exactly maxAttempts", d.Attempts)
	}
	if d.LastError != "unexpected status 500" {
		t.Fatalf("lastError = %q", d.LastError)
	}
	logs, _ := mem.ListAttempts(ctx, ids[0])
	if len(logs) != 5 {
		t.Fatalf("attempt logs = %d, want 5", len(logs))
	}
	// dead rows must never be claimed again
	claimed, _ := mem.ClaimDue(ctx, 10, time.Now().Add(time.Hour))
	if len(claimed) != 0 {
		t.Fatalf("dead delivery reclaimed: %d", len(claimed))
	}
}

func TestWorkerIsolatesSlowEndpoints(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()

	epGood, _ := mem.CreateEndpoint(ctx, ok.URL, []string{"job.created"}, NewSecret())
	epBad, _ := mem.CreateEndpoint(ctx, "http://127.0.0.1:1", []string{"job.created"}, NewSecret())
	ids, _ := mem.CreateDeliveries(ctx, "job.created", []byte(`{}`), []string{epGood.ID, epBad.ID}, 5)

	w := testWorker(t, mem)
	w.processOnce(ctx)

	good, _ := mem.GetDelivery(ctx, ids[0])
	if good.Status != model.StatusSuccess {
		t.Fatalf("good endpoint delivery status = %s", good.Status)
	}
	bad, _ := mem.GetDelivery(ctx, ids[1])
	if bad.Status != model.StatusFailed {
		t.Fatalf("bad endpoint delivery status = %s", bad.Status)
	}
	if bad.LastError == "" {
		t.Fatal("transport error not recorded")
	}
}

func TestWorkerOnResultCallback(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, _ := mem.CreateEndpoint(ctx, srv.URL, []string{"job.created"}, NewSecret())
	ids, _ := mem.CreateDeliveries(ctx, "job.created", []byte(`{}`), []string{ep.ID}, 5)

	var seen []model.Delivery
	w := testWorker(t, mem)
	w.OnResult = func(d model.Delivery, out model.AttemptOutcome) { seen = append(seen, d) }
	w.processOnce(ctx)

	if len(seen) != 1 || seen[0].ID != ids[0] || seen[0].Status != model.StatusSuccess {
		t.Fatalf("callback saw %+v", seen)
	}
}

func TestBackoffSchedule(t *testing.T) {
	cfg := config.Default()
	w := NewWorker(store.NewMemory(), nil, cfg)
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, d := range want {
		if got := w.backoff(i + 1); got != d {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, d)
		}
	}
	if got := w.backoff(10); got != time.Hour {
		t.Fatalf("backoff(10) = %s, want capped at 1h", got)
	}
	if got := w.backoff(0); got != 30*time.Second {
		t.Fatalf("backoff(0) = %s", got)
	}
}

func TestWorkerSweepReclaimsAbandoned(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ep, _ := mem.CreateEndpoint(ctx, "https://example.com/hook", []string{"job.created"}, NewSecret())
	ids, _ := mem.CreateDeliveries(ctx, "job.created", []byte(`{}`), []string{ep.ID}, 5)

	// claim but never record an outcome, as if the worker crashed mid-send
	claimed, _ := mem.ClaimDue(ctx, 10, time.Now())
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d", len(claimed))
	}

	w := testWorker(t, mem)
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	w.sweep(ctx)

	d, _ := mem.GetDelivery(ctx, ids[0])
	if d.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed after sweep", d.Status)
	}
	if d.Attempts != 1 || d.LastError != "attempt abandoned" {
		t.Fatalf("attempts = %d, lastError = %q", d.Attempts, d.LastError)
	}
}
