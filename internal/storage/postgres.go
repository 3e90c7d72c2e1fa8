package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/service-dispatch/internal/models"
)

// PostgresStore persists requests, offers, jobs and location pings.
// Schema lives in migrations/001_create_dispatch.sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// DB exposes the underlying handle for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) UpsertRequest(ctx context.Context, r models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requests(id, customer_id, category_id, description, pickup_lat, pickup_lng, address, price, status, provider_id, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_id = EXCLUDED.provider_id,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.CustomerID, r.CategoryID, r.Description, r.PickupLat, r.PickupLng,
		r.Address, r.Price, r.Status, r.ProviderID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert request %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.ServiceRequest, error) {
	var r models.ServiceRequest
	var providerID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, category_id, description, pickup_lat, pickup_lng, address, price, status, provider_id, created_at, updated_at
		FROM requests WHERE id = $1`, id).Scan(
		&r.ID, &r.CustomerID, &r.CategoryID, &r.Description, &r.PickupLat, &r.PickupLng,
		&r.Address, &r.Price, &r.Status, &providerID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, ErrNotFound
	}
	if err != nil {
		return models.ServiceRequest{}, fmt.Errorf("get request %s: %w", id, err)
	}
	r.ProviderID = providerID.String
	return r, nil
}

func (p *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus, providerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests SET status = $2, provider_id = COALESCE(NULLIF($3,''), provider_id), updated_at = $4
		WHERE id = $1`, id, status, providerID, time.Now())
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRequestsByStatus(ctx context.Context, statuses ...models.RequestStatus) ([]models.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, customer_id, category_id, description, pickup_lat, pickup_lng, address, price, status, provider_id, created_at, updated_at
		FROM requests WHERE status = ANY($1)`, statusArray(statuses))
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceRequest
	for rows.Next() {
		var r models.ServiceRequest
		var providerID sql.NullString
		if err := rows.Scan(&r.ID, &r.CustomerID, &r.CategoryID, &r.Description, &r.PickupLat, &r.PickupLng,
			&r.Address, &r.Price, &r.Status, &providerID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.ProviderID = providerID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o models.Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers(id, request_id, provider_id, proposed_price, message, status, timeout_seconds, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.RequestID, o.ProviderID, o.ProposedPrice, o.Message, o.Status, o.TimeoutSeconds, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("save offer %s: %w", o.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	var o models.Offer
	err := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, provider_id, proposed_price, message, status, timeout_seconds, created_at
		FROM offers WHERE id = $1`, id).Scan(
		&o.ID, &o.RequestID, &o.ProviderID, &o.ProposedPrice, &o.Message, &o.Status, &o.TimeoutSeconds, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, ErrNotFound
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("get offer %s: %w", id, err)
	}
	return o, nil
}

func (p *PostgresStore) ListOffersByRequest(ctx context.Context, requestID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, provider_id, proposed_price, message, status, timeout_seconds, created_at
		FROM offers WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list offers for %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []models.Offer
	for rows.Next() {
		var o models.Offer
		if err := rows.Scan(&o.ID, &o.RequestID, &o.ProviderID, &o.ProposedPrice, &o.Message, &o.Status, &o.TimeoutSeconds, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveOffers(ctx context.Context, requestID, winnerID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve offers for %s: %w", requestID, err)
	}
	defer tx.Rollback()

	if winnerID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE offers SET status = $1 WHERE id = $2`, models.OfferAccepted, winnerID); err != nil {
			return fmt.Errorf("mark winning offer %s: %w", winnerID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE offers SET status = $1 WHERE request_id = $2 AND id <> $3 AND status = $4`,
		models.OfferRejected, requestID, winnerID, models.OfferPending); err != nil {
		return fmt.Errorf("reject sibling offers for %s: %w", requestID, err)
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateJob(ctx context.Context, j models.Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs(id, request_id, provider_id, customer_id, status, payment_ref, started_at, completed_at, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		j.ID, j.RequestID, j.ProviderID, j.CustomerID, j.Status, j.PaymentRef, j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	return p.jobBy(ctx, "id", id)
}

func (p *PostgresStore) GetJobByRequest(ctx context.Context, requestID string) (models.Job, error) {
	return p.jobBy(ctx, "request_id", requestID)
}

func (p *PostgresStore) jobBy(ctx context.Context, col, val string) (models.Job, error) {
	var j models.Job
	err := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, provider_id, customer_id, status, payment_ref, started_at, completed_at, created_at, updated_at
		FROM jobs WHERE `+col+` = $1`, val).Scan(
		&j.ID, &j.RequestID, &j.ProviderID, &j.CustomerID, &j.Status, &j.PaymentRef, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job by %s=%s: %w", col, val, err)
	}
	return j, nil
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j models.Job) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, payment_ref = $3, started_at = $4, completed_at = $5, updated_at = $6
		WHERE id = $1`, j.ID, j.Status, j.PaymentRef, j.StartedAt, j.CompletedAt, time.Now())
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendPing(ctx context.Context, ping models.LocationPing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO location_pings(job_id, provider_id, lat, lng, ts)
		VALUES($1,$2,$3,$4,$5)`,
		ping.JobID, ping.ProviderID, ping.Lat, ping.Lng, ping.Timestamp)
	if err != nil {
		return fmt.Errorf("append ping for %s: %w", ping.JobID, err)
	}
	return nil
}

func (p *PostgresStore) PingHistory(ctx context.Context, jobID string) ([]models.LocationPing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT job_id, provider_id, lat, lng, ts
		FROM location_pings WHERE job_id = $1 ORDER BY ts ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("ping history for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.LocationPing
	for rows.Next() {
		var ping models.LocationPing
		if err := rows.Scan(&ping.JobID, &ping.ProviderID, &ping.Lat, &ping.Lng, &ping.Timestamp); err != nil {
			return nil, fmt.Errorf("scan ping: %w", err)
		}
		out = append(out, ping)
	}
	return out, rows.Err()
}

func statusArray(statuses []models.RequestStatus) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}
