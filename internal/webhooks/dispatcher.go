package webhooks

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hookrelay/internal/config"
	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

// Worker is the delivery dispatcher. It runs on its own timer, claims due
// deliveries, sends them with signed headers, and records each outcome. It
// never touches the synchronous request path.
type Worker struct {
	Store store.Store
	HTTP  *http.Client
	Log   *zap.Logger
	// OnResult, when set, receives every recorded attempt. The API server
	// uses it to feed the live admin stream.
	OnResult func(d model.Delivery, out model.AttemptOutcome)

	interval    time.Duration
	sendTimeout time.Duration
	backoffBase time.Duration
	batchSize   int
	concurrency int
	limiter     *rate.Limiter

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(s store.Store, log *zap.Logger, cfg config.Config) *Worker {
	d := cfg.Dispatcher
	if log == nil {
		log = zap.NewNop()
	}
	var lim *rate.Limiter
	if d.RateRPS > 0 {
		burst := d.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(d.RateRPS), burst)
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: d.SendTimeout},
		Log:         log,
		interval:    d.Interval,
		sendTimeout: d.SendTimeout,
		backoffBase: d.BackoffBase,
		batchSize:   d.BatchSize,
		concurrency: d.Concurrency,
		limiter:     lim,
		now:         time.Now,
	}
}

// Start launches the polling loop. Stop (or cancelling the parent context)
// shuts it down after in-flight sends finish or time out.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
				w.processOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight work. Sends abandoned at
// cancellation stay in processing and are reclaimed by the next sweep.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// sweep reclaims deliveries stuck in processing past twice the send timeout,
// i.e. abandoned by a crashed or cancelled worker.
func (w *Worker) sweep(ctx context.Context) {
	cutoff := w.now().Add(-2 * w.sendTimeout)
	n, err := w.Store.ReclaimStuck(ctx, cutoff)
	if err != nil {
		w.Log.Error("dispatcher sweep", zap.Error(err))
		return
	}
	if n > 0 {
		w.Log.Warn("reclaimed stuck deliveries", zap.Int("count", n))
	}
}

// processOnce claims one batch and sends it on a bounded pool so a slow
// endpoint cannot head-of-line-block the rest of the batch.
func (w *Worker) processOnce(ctx context.Context) {
	claimed, err := w.Store.ClaimDue(ctx, w.batchSize, w.now())
	if err != nil {
		w.Log.Error("dispatcher claim", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, c := range claimed {
		c := c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliver(ctx, c)
		}()
	}
	wg.Wait()
}

func (w *Worker) deliver(ctx context.Context, c store.ClaimedDelivery) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return // shutting down; sweep reclaims the claim
		}
	}
	out := w.send(ctx, c)
	next := w.now().Add(w.backoff(c.Attempts + 1))
	d, err := w.Store.RecordAttempt(ctx, out, next)
	if err != nil {
		w.Log.Error("dispatcher record attempt", zap.String("delivery", c.ID), zap.Error(err))
		return
	}
	outcome := d.Status
	metrics.DeliveryAttempts.WithLabelValues(d.Event, outcome).Inc()
	metrics.DeliveryLatency.WithLabelValues(d.Event, outcome).Observe(float64(out.LatencyMs))
	if d.Status == model.StatusDead {
		metrics.DeadLettered.WithLabelValues(d.Event).Inc()
		w.Log.Warn("delivery dead-lettered",
			zap.String("delivery", d.ID), zap.String("endpoint", d.EndpointID),
			zap.String("event", d.Event), zap.Int("attempts", d.Attempts), zap.String("lastError", d.LastError))
	} else {
		w.Log.Debug("delivery attempt",
			zap.String("delivery", d.ID), zap.String("event", d.Event),
			zap.String("status", d.Status), zap.Int("attempt", d.Attempts), zap.Int("code", out.StatusCode))
	}
	if w.OnResult != nil {
		w.OnResult(d, out)
	}
}

// send performs one signed POST. Any non-2xx, transport error, or timeout is
// a failed attempt; classification beyond that is deliberately uniform.
func (w *Worker) send(ctx context.Context, c store.ClaimedDelivery) model.AttemptOutcome {
	start := w.now()
	out := model.AttemptOutcome{DeliveryID: c.ID, StartedAt: start}
	sctx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, c.URL, bytes.NewReader(c.Payload))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	ts := start.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, c.ID)
	req.Header.Set(HeaderEvent, c.Event)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(c.Secret, ts, c.Event, c.Payload))
	resp, err := w.HTTP.Do(req)
	out.LatencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		out.Error = err.Error()
		return out
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	out.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Success = true
	} else {
		out.Error = "unexpected status " + strconv.Itoa(resp.StatusCode)
	}
	return out
}

// backoff returns the delay before retrying after the given completed
// attempt number: base * 2^(attempt-1), capped at an hour.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		attempt = 12
	}
	d := w.backoffBase << (attempt - 1)
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
