package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// CampaignRepository is the Postgres campaign store.
type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, description, template, tags, status, audience, audience_cursor,
    targeted, sent, delivered, failed, responded,
    created_at, updated_at, scheduled_for, started_at, completed_at, deleted_at`

// counterColumns maps counters to columns; only these names are ever
// interpolated into SQL.
var counterColumns = map[model.Counter]string{
	model.CounterTargeted:  "targeted",
	model.CounterSent:      "sent",
	model.CounterDelivered: "delivered",
	model.CounterFailed:    "failed",
	model.CounterResponded: "responded",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c        model.Campaign
		status   string
		audience []byte
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.Template, pq.Array(&c.Tags), &status, &audience, &c.Cursor,
		&c.Counters.Targeted, &c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Failed, &c.Counters.Responded,
		&c.CreatedAt, &c.UpdatedAt, &c.ScheduledFor, &c.StartedAt, &c.CompletedAt, &c.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.Status, err = model.ParseStatus(status); err != nil {
		return nil, err
	}
	if len(audience) > 0 {
		if err := json.Unmarshal(audience, &c.Audience); err != nil {
			return nil, fmt.Errorf("decode audience for campaign %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns (id, name, description, template, tags, status, audience, created_at, scheduled_for)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err = r.DB.ExecContext(ctx, query,
		c.ID, c.Name, c.Description, c.Template, pq.Array(c.Tags), c.Status.String(), audience, c.CreatedAt, c.ScheduledFor,
	)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE deleted_at IS NULL`
	args := []any{}
	if status != "" {
		where += ` AND status=$1`
		args = append(args, status)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status model.Status) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status=$1 AND deleted_at IS NULL ORDER BY created_at`
	rows, err := r.DB.QueryContext(ctx, query, status.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ====================== Lifecycle ======================

func (r *CampaignRepository) CompareAndSetStatus(ctx context.Context, t Transition) error {
	query := `
        UPDATE campaigns
        SET status=$1,
            updated_at=$2,
            scheduled_for=COALESCE($3, scheduled_for),
            started_at=CASE WHEN $1='active' THEN COALESCE(started_at, $2) ELSE started_at END,
            completed_at=CASE WHEN $1 IN ('completed', 'cancelled') THEN $2 ELSE completed_at END
        WHERE id=$4 AND status=$5
    `
	res, err := r.DB.ExecContext(ctx, query, t.To.String(), t.At, t.ScheduledFor, t.CampaignID, t.From.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Lost the compare: report what the status actually is.
	current, err := r.GetByID(ctx, t.CampaignID)
	if err != nil {
		return err
	}
	return appErrors.NewInvalidTransition(t.CampaignID, current.Status.String(), t.Event.String())
}

func (r *CampaignRepository) IncrementCounter(ctx context.Context, id string, counter model.Counter, delta int) error {
	return incrementCounter(ctx, r.DB, id, counter, delta)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func incrementCounter(ctx context.Context, db execer, id string, counter model.Counter, delta int) error {
	col, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}
	res, err := db.ExecContext(ctx, `UPDATE campaigns SET `+col+`=`+col+`+$1 WHERE id=$2`, delta, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

func (r *CampaignRepository) SaveCursor(ctx context.Context, id, cursor string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET audience_cursor=$1 WHERE id=$2`, cursor, id)
	return err
}

func (r *CampaignRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET deleted_at=COALESCE(deleted_at, $1) WHERE id=$2`, at, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return err
	}
	updatedAt := time.Now()
	if c.UpdatedAt != nil {
		updatedAt = *c.UpdatedAt
	}
	query := `
        UPDATE campaigns
        SET name=$1, description=$2, template=$3, tags=$4, audience=$5, updated_at=$6
        WHERE id=$7 AND status IN ('draft', 'scheduled') AND deleted_at IS NULL
    `
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.Description, c.Template, pq.Array(c.Tags), audience, updatedAt, c.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := r.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	if current.Deleted() {
		return appErrors.NewCampaignDeleted(c.ID)
	}
	return appErrors.NewInvalidTransition(c.ID, current.Status.String(), "update")
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
