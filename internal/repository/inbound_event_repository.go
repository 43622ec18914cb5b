package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// InboundEventRepository stores replies and attributes them to campaigns.
type InboundEventRepository struct {
	DB *sql.DB
}

const uniqueViolation = "23505"

func (r *InboundEventRepository) RecordInbound(ctx context.Context, ev model.InboundEvent, at time.Time) (*model.InboundRecord, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec := &model.InboundRecord{InboundEvent: ev, RecordedAt: at}

	var (
		jobID      string
		campaignID string
		responded  bool
	)
	err = tx.QueryRowContext(ctx, `
        SELECT id, campaign_id, responded
        FROM dispatch_jobs
        WHERE address=$1 AND outcome='delivered'
        ORDER BY updated_at DESC
        LIMIT 1
        FOR UPDATE
    `, ev.From).Scan(&jobID, &campaignID, &responded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		rec.CampaignID = campaignID
		rec.JobID = jobID
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO inbound_events (id, sender, body, received_at, campaign_id, job_id, recorded_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, NULLIF($6, '')::uuid, $7)
    `, ev.ID, ev.From, ev.Body, ev.ReceivedAt, rec.CampaignID, rec.JobID, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("event %s: %w", ev.ID, appErrors.ErrDuplicateEvent)
		}
		return nil, err
	}

	if rec.Attributed() && !responded {
		if _, err := tx.ExecContext(ctx, `UPDATE dispatch_jobs SET responded=TRUE WHERE id=$1`, jobID); err != nil {
			return nil, err
		}
		if err := incrementCounter(ctx, tx, campaignID, model.CounterResponded, 1); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *InboundEventRepository) ListUnattributed(ctx context.Context, limit int) ([]*model.InboundRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, sender, body, received_at, recorded_at
        FROM inbound_events
        WHERE campaign_id IS NULL
        ORDER BY recorded_at
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.InboundRecord
	for rows.Next() {
		rec := &model.InboundRecord{}
		if err := rows.Scan(&rec.ID, &rec.From, &rec.Body, &rec.ReceivedAt, &rec.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ InboundEventRepositoryInterface = (*InboundEventRepository)(nil)

// PostgresStore combines the Postgres repositories into a Store.
type PostgresStore struct {
	*CampaignRepository
	*DispatchJobRepository
	*InboundEventRepository
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		CampaignRepository:     &CampaignRepository{DB: db},
		DispatchJobRepository:  &DispatchJobRepository{DB: db},
		InboundEventRepository: &InboundEventRepository{DB: db},
	}
}

var _ Store = (*PostgresStore)(nil)
