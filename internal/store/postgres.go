package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"hookrelay/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies the .sql files in dir in name order, recording each in
// schema_migrations so re-runs are no-ops.
func (p *Postgres) MigrateDir(dir string) error {
	if _, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var done bool
		if err := p.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&done); err != nil {
			return err
		}
		if done {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		tx, err := p.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// CheckSchema verifies once at boot that all tables this store touches
// exist, so later calls never have to infer "not migrated" from errors.
func (p *Postgres) CheckSchema(ctx context.Context) error {
	missing := []string{}
	for _, tbl := range []string{"endpoints", "deliveries", "attempt_logs", "inbound_events"} {
		var reg sql.NullString
		if err := p.db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, tbl).Scan(&reg); err != nil {
			return err
		}
		if !reg.Valid {
			missing = append(missing, tbl)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema not migrated, missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Endpoints

func (p *Postgres) CreateEndpoint(ctx context.Context, url string, events []string, secret string) (model.Endpoint, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(events)
	var ep model.Endpoint
	err := p.db.QueryRowContext(ctx, `INSERT INTO endpoints (id, url, secret, enabled, events) VALUES ($1,$2,$3,TRUE,$4)
		RETURNING id::text, url, secret, enabled, created_at, updated_at`, id, url, secret, ev).
		Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Enabled, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return model.Endpoint{}, err
	}
	ep.Events = append([]string(nil), events...)
	return ep, nil
}

func (p *Postgres) GetEndpoint(ctx context.Context, id string) (model.Endpoint, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, url, secret, enabled, events, created_at, updated_at FROM endpoints WHERE id=$1`, id)
	return scanEndpoint(row)
}

func (p *Postgres) ListEndpoints(ctx context.Context, cursor string, limit int) ([]model.Endpoint, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, enabled, events, created_at, updated_at FROM endpoints WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, enabled, events, created_at, updated_at FROM endpoints ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Endpoint{}
	var last string
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, ep)
		last = ep.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) UpdateEndpoint(ctx context.Context, id string, patch model.EndpointPatch) (model.Endpoint, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Endpoint{}, err
	}
	defer func() { _ = tx.Rollback() }()
	row := tx.QueryRowContext(ctx, `SELECT id::text, url, secret, enabled, events, created_at, updated_at FROM endpoints WHERE id=$1 FOR UPDATE`, id)
	ep, err := scanEndpoint(row)
	if err != nil {
		return model.Endpoint{}, err
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
	ev, _ := json.Marshal(ep.Events)
	err = tx.QueryRowContext(ctx, `UPDATE endpoints SET url=$2, enabled=$3, events=$4, updated_at=now() WHERE id=$1 RETURNING updated_at`,
		id, ep.URL, ep.Enabled, ev).Scan(&ep.UpdatedAt)
	if err != nil {
		return model.Endpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Endpoint{}, err
	}
	return ep, nil
}

func (p *Postgres) RotateEndpointSecret(ctx context.Context, id, secret string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE endpoints SET secret=$2, updated_at=now() WHERE id=$1`, id, secret)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (p *Postgres) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (p *Postgres) EndpointsForEvent(ctx context.Context, eventType string) ([]model.Endpoint, error) {
	member, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, enabled, events, created_at, updated_at
		FROM endpoints WHERE enabled AND events @> $1::jsonb`, member)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Endpoint{}
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Deliveries

func (p *Postgres) CreateDeliveries(ctx context.Context, event string, payload []byte, endpointIDs []string, maxAttempts int) ([]string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	ids := make([]string, 0, len(endpointIDs))
	for _, eid := range endpointIDs {
		id := uuid.New().String()
		_, err := tx.ExecContext(ctx, `INSERT INTO deliveries (id, endpoint_id, event, payload, status, attempts, max_attempts, next_attempt_at)
			VALUES ($1,$2,$3,$4,'pending',0,$5,now())`, id, eid, event, payload, maxAttempts)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *Postgres) ClaimDue(ctx context.Context, limit int, now time.Time) ([]ClaimedDelivery, error) {
	// Orphaned rows (endpoint deleted) have nothing left to retry against.
	_, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='dead', last_error='endpoint deleted', updated_at=now()
		WHERE status IN ('pending','failed') AND next_attempt_at <= $1
		AND NOT EXISTS (SELECT 1 FROM endpoints e WHERE e.id = deliveries.endpoint_id)`, now)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `UPDATE deliveries d
		SET status='processing', last_attempt_at=$1, updated_at=$1
		FROM endpoints e
		WHERE d.id IN (
			SELECT id FROM deliveries
			WHERE status IN ('pending','failed') AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND e.id = d.endpoint_id
		RETURNING d.id::text, d.endpoint_id::text, d.event, d.payload, d.attempts, d.max_attempts, e.url, e.secret`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ClaimedDelivery{}
	for rows.Next() {
		var c ClaimedDelivery
		var payload []byte
		if err := rows.Scan(&c.ID, &c.EndpointID, &c.Event, &payload, &c.Attempts, &c.MaxAttempts, &c.URL, &c.Secret); err != nil {
			return nil, err
		}
		c.Payload = payload
		c.Status = model.StatusProcessing
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordAttempt(ctx context.Context, out model.AttemptOutcome, nextAttemptAt time.Time) (model.Delivery, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Delivery{}, err
	}
	defer func() { _ = tx.Rollback() }()
	row := tx.QueryRowContext(ctx, `UPDATE deliveries SET
			attempts = attempts + 1,
			status = CASE WHEN $2 THEN 'success' WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'failed' END,
			last_status_code = NULLIF($3, 0),
			last_error = NULLIF($4, ''),
			last_attempt_at = $5,
			next_attempt_at = CASE WHEN $2 OR attempts + 1 >= max_attempts THEN next_attempt_at ELSE $6 END,
			delivered_at = CASE WHEN $2 THEN now() ELSE delivered_at END,
			updated_at = now()
		WHERE id=$1 AND status='processing'
		RETURNING id::text, endpoint_id::text, event, payload, status, attempts, max_attempts,
			COALESCE(last_error,''), COALESCE(last_status_code,0), last_attempt_at, next_attempt_at, delivered_at, created_at, updated_at`,
		out.DeliveryID, out.Success, out.StatusCode, out.Error, out.StartedAt, nextAttemptAt)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// row exists but is no longer claimable, or never existed
			var status string
			if e2 := p.db.QueryRowContext(ctx, `SELECT status FROM deliveries WHERE id=$1`, out.DeliveryID).Scan(&status); e2 != nil {
				if errors.Is(e2, sql.ErrNoRows) {
					return model.Delivery{}, ErrNotFound
				}
				return model.Delivery{}, e2
			}
			return model.Delivery{}, ErrTerminal
		}
		return model.Delivery{}, err
	}
	logStatus := model.StatusFailed
	if out.Success {
		logStatus = model.StatusSuccess
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO attempt_logs (id, delivery_id, attempt, started_at, status, status_code, error, latency_ms)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,0),NULLIF($7,''),$8)`,
		uuid.New().String(), d.ID, d.Attempts, out.StartedAt, logStatus, out.StatusCode, out.Error, out.LatencyMs)
	if err != nil {
		return model.Delivery{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Delivery{}, err
	}
	return d, nil
}

func (p *Postgres) ReclaimStuck(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `WITH swept AS (
			UPDATE deliveries SET
				attempts = attempts + 1,
				status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'failed' END,
				last_error = 'attempt abandoned',
				next_attempt_at = now(),
				updated_at = now()
			WHERE status='processing' AND last_attempt_at < $1
			RETURNING id, attempts, last_attempt_at
		)
		INSERT INTO attempt_logs (id, delivery_id, attempt, started_at, status, error, latency_ms)
		SELECT gen_random_uuid(), id, attempts, last_attempt_at, 'failed', 'attempt abandoned', 0 FROM swept`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, endpoint_id::text, event, payload, status, attempts, max_attempts,
		COALESCE(last_error,''), COALESCE(last_status_code,0), last_attempt_at, next_attempt_at, delivered_at, created_at, updated_at
		FROM deliveries WHERE id=$1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, ErrNotFound
	}
	return d, err
}

func (p *Postgres) ListDeliveries(ctx context.Context, f model.DeliveryFilter, cursor string, limit int) ([]model.Delivery, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, endpoint_id::text, event, payload, status, attempts, max_attempts,
		COALESCE(last_error,''), COALESCE(last_status_code,0), last_attempt_at, next_attempt_at, delivered_at, created_at, updated_at
		FROM deliveries WHERE TRUE`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if f.EndpointID != "" {
		args = append(args, f.EndpointID)
		q += fmt.Sprintf(" AND endpoint_id=$%d", len(args))
	}
	if f.Event != "" {
		args = append(args, "%"+f.Event+"%")
		q += fmt.Sprintf(" AND event LIKE $%d", len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(" AND id::text < $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Delivery{}
	var last string
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
		last = d.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) ListAttempts(ctx context.Context, deliveryID string) ([]model.AttemptLog, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM deliveries WHERE id=$1)`, deliveryID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, delivery_id::text, attempt, started_at, status, COALESCE(status_code,0), COALESCE(error,''), latency_ms
		FROM attempt_logs WHERE delivery_id=$1 ORDER BY attempt ASC`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AttemptLog{}
	for rows.Next() {
		var a model.AttemptLog
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.Attempt, &a.StartedAt, &a.Status, &a.StatusCode, &a.Error, &a.LatencyMs); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) RequeueDead(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='pending', attempts=0, next_attempt_at=now(), updated_at=now()
		WHERE id=$1 AND status='dead'`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM deliveries WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotDead
}

func (p *Postgres) MarkInboundProcessed(ctx context.Context, source, deliveryID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO inbound_events (source, delivery_id) VALUES ($1,$2)
		ON CONFLICT (source, delivery_id) DO NOTHING`, source, deliveryID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// scanning helpers

type rowScanner interface{ Scan(dest ...any) error }

func scanEndpoint(r rowScanner) (model.Endpoint, error) {
	var ep model.Endpoint
	var ev []byte
	if err := r.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Enabled, &ev, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Endpoint{}, ErrNotFound
		}
		return model.Endpoint{}, err
	}
	_ = json.Unmarshal(ev, &ep.Events)
	return ep, nil
}

func scanDelivery(r rowScanner) (model.Delivery, error) {
	var d model.Delivery
	var payload []byte
	var lastAt, deliveredAt sql.NullTime
	if err := r.Scan(&d.ID, &d.EndpointID, &d.Event, &payload, &d.Status, &d.Attempts, &d.MaxAttempts,
		&d.LastError, &d.LastStatusCode, &lastAt, &d.NextAttemptAt, &deliveredAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return model.Delivery{}, err
	}
	d.Payload = payload
	if lastAt.Valid {
		t := lastAt.Time
		d.LastAttemptAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return d, nil
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
