package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// DispatchJobRepository is the Postgres dispatch job store. Outcome changes
// and the counter increments they imply commit in one transaction.
type DispatchJobRepository struct {
	DB *sql.DB
}

const jobColumns = `id, campaign_id, recipient_id, address, body, attempts, last_error,
    COALESCE(message_id, ''), outcome, responded, created_at, updated_at`

func scanJob(row rowScanner) (*model.DispatchJob, error) {
	var (
		j       model.DispatchJob
		outcome string
	)
	err := row.Scan(&j.ID, &j.CampaignID, &j.RecipientID, &j.Address, &j.Body, &j.Attempts, &j.LastError,
		&j.MessageID, &outcome, &j.Responded, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if j.Outcome, err = model.ParseOutcome(outcome); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *DispatchJobRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Idempotent insert
func (r *DispatchJobRepository) CreateJob(ctx context.Context, job *model.DispatchJob) (bool, error) {
	created := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		id := job.ID
		if id == "" {
			id = uuid.NewString()
		}

		res, err := tx.ExecContext(ctx, `
            INSERT INTO dispatch_jobs (id, campaign_id, recipient_id, address, body, attempts, last_error, outcome, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, 0, '', 'pending', $6, $6)
            ON CONFLICT (campaign_id, address) DO NOTHING
        `, id, job.CampaignID, job.RecipientID, job.Address, job.Body, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 1 {
			created = true
			if err := incrementCounter(ctx, tx, job.CampaignID, model.CounterTargeted, 1); err != nil {
				return err
			}
		}

		existing, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM dispatch_jobs WHERE campaign_id=$1 AND address=$2`,
			job.CampaignID, job.Address))
		if err != nil {
			return err
		}
		*job = *existing
		return nil
	})
	return created, err
}

func (r *DispatchJobRepository) GetJob(ctx context.Context, id string) (*model.DispatchJob, error) {
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch job %s not found", id)
	}
	return j, err
}

func (r *DispatchJobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*model.DispatchJob, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DispatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *DispatchJobRepository) ListJobs(ctx context.Context, campaignID string) ([]*model.DispatchJob, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE campaign_id=$1 ORDER BY created_at, id`, campaignID)
}

func (r *DispatchJobRepository) ListPending(ctx context.Context, campaignID string) ([]*model.DispatchJob, error) {
	return r.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM dispatch_jobs WHERE campaign_id=$1 AND outcome='pending' ORDER BY created_at, id`,
		campaignID)
}

func (r *DispatchJobRepository) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_jobs WHERE campaign_id=$1 AND outcome='pending'`, campaignID).Scan(&n)
	return n, err
}

// updatePending applies a guarded update to a pending job and returns its campaign id.
func updatePending(ctx context.Context, tx *sql.Tx, id, set string, args ...any) (string, error) {
	var campaignID string
	query := `UPDATE dispatch_jobs SET ` + set + fmt.Sprintf(`, updated_at=NOW() WHERE id=$%d AND outcome='pending' RETURNING campaign_id`, len(args)+1)
	err := tx.QueryRowContext(ctx, query, append(args, id)...).Scan(&campaignID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, appErrors.ErrJobNotPending)
	}
	return campaignID, err
}

func (r *DispatchJobRepository) RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := updatePending(ctx, tx, id, `attempts=$1, last_error=$2`, attempts, lastError)
		return err
	})
}

func (r *DispatchJobRepository) MarkSent(ctx context.Context, id string, attempts int, messageID string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		campaignID, err := updatePending(ctx, tx, id,
			`outcome='sent', attempts=$1, message_id=NULLIF($2, ''), last_error=''`, attempts, messageID)
		if err != nil {
			return err
		}
		return incrementCounter(ctx, tx, campaignID, model.CounterSent, 1)
	})
}

func (r *DispatchJobRepository) MarkPermanentlyFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		campaignID, err := updatePending(ctx, tx, id,
			`outcome='permanently_failed', attempts=$1, last_error=$2`, attempts, lastError)
		if err != nil {
			return err
		}
		if err := incrementCounter(ctx, tx, campaignID, model.CounterSent, 1); err != nil {
			return err
		}
		return incrementCounter(ctx, tx, campaignID, model.CounterFailed, 1)
	})
}

func (r *DispatchJobRepository) DiscardPending(ctx context.Context, campaignID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE campaign_id=$1 AND outcome='pending'`, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *DispatchJobRepository) ApplyReceipt(ctx context.Context, receipt model.DeliveryReceipt) (*model.DispatchJob, bool, error) {
	outcome, counter := model.OutcomeFailed, model.CounterFailed
	if receipt.Status == model.ReceiptDelivered {
		outcome, counter = model.OutcomeDelivered, model.CounterDelivered
	}

	var (
		job     *model.DispatchJob
		applied bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM dispatch_jobs WHERE message_id=$1 FOR UPDATE`, receipt.MessageID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", receipt.MessageID, appErrors.ErrUnknownMessage)
		}
		if err != nil {
			return err
		}
		job = current
		if current.Outcome != model.OutcomeSent {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE dispatch_jobs SET outcome=$1, updated_at=NOW() WHERE id=$2`, outcome.String(), current.ID); err != nil {
			return err
		}
		if err := incrementCounter(ctx, tx, current.CampaignID, counter, 1); err != nil {
			return err
		}
		job.Outcome = outcome
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, applied, nil
}

var _ DispatchJobRepositoryInterface = (*DispatchJobRepository)(nil)
