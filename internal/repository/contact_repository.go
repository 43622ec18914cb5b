package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// ContactRepository reads contacts from Postgres. It is the AudienceSource in
// production: keyset pagination over the insertion sequence, so the cursor is
// the last seq returned.
type ContactRepository struct {
	DB *sql.DB
}

func scanContact(row rowScanner) (*model.Contact, int64, error) {
	var (
		c     model.Contact
		seq   int64
		attrs []byte
	)
	if err := row.Scan(&seq, &c.ID, &c.Name, &c.Phone, &c.Email, pq.Array(&c.Tags), pq.Array(&c.Lists), &attrs); err != nil {
		return nil, 0, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, 0, fmt.Errorf("decode attributes for contact %s: %w", c.ID, err)
		}
	}
	return &c, seq, nil
}

// GetByID fetches a contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*model.Contact, error) {
	row := r.DB.QueryRowContext(ctx, `
        SELECT seq, id, name, phone, email, tags, lists, attributes
        FROM contacts
        WHERE id = $1
    `, id)
	c, _, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return c, nil
}

func (r *ContactRepository) Page(ctx context.Context, audience model.Audience, cursor string, limit int) ([]model.Recipient, string, error) {
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid audience cursor %q", cursor)
		}
		after = n
	}

	// Empty filters are passed as NULL and skipped.
	var ids, tags any
	if len(audience.ContactIDs) > 0 {
		ids = pq.Array(audience.ContactIDs)
	}
	if len(audience.Tags) > 0 {
		tags = pq.Array(audience.Tags)
	}

	rows, err := r.DB.QueryContext(ctx, `
        SELECT seq, id, name, phone, email, tags, lists, attributes
        FROM contacts
        WHERE seq > $1
          AND ($2::text[] IS NULL OR id = ANY($2::text[]))
          AND ($3::text[] IS NULL OR tags @> $3::text[])
          AND ($4 = '' OR $4 = ANY(lists))
        ORDER BY seq
        LIMIT $5
    `, after, ids, tags, audience.ListID, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	next := cursor
	var page []model.Recipient
	for rows.Next() {
		c, seq, err := scanContact(rows)
		if err != nil {
			return nil, "", err
		}
		page = append(page, c.Recipient())
		next = strconv.FormatInt(seq, 10)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return page, next, nil
}

// Insert adds a contact; used by the seeder and tests.
func (r *ContactRepository) Insert(ctx context.Context, c model.Contact) error {
	attrs, err := json.Marshal(c.Attributes)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
        INSERT INTO contacts (id, name, phone, email, tags, lists, attributes)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, c.ID, c.Name, c.Phone, c.Email, pq.Array(c.Tags), pq.Array(c.Lists), attrs)
	return err
}

var _ AudienceSource = (*ContactRepository)(nil)
