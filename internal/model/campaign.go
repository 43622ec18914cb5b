// internal/model/campaign.go
package model

import "time"

// Counter names a single aggregate metric on a campaign.
type Counter string

const (
	CounterTargeted  Counter = "targeted"
	CounterSent      Counter = "sent"
	CounterDelivered Counter = "delivered"
	CounterFailed    Counter = "failed"
	CounterResponded Counter = "responded"
)

// Counters are the live aggregate numbers for one campaign.
type Counters struct {
	Targeted  int `db:"targeted" json:"targeted"`
	Sent      int `db:"sent" json:"sent"`
	Delivered int `db:"delivered" json:"delivered"`
	Failed    int `db:"failed" json:"failed"`
	Responded int `db:"responded" json:"responded"`
}

// Add applies delta to the named counter.
func (c *Counters) Add(name Counter, delta int) {
	switch name {
	case CounterTargeted:
		c.Targeted += delta
	case CounterSent:
		c.Sent += delta
	case CounterDelivered:
		c.Delivered += delta
	case CounterFailed:
		c.Failed += delta
	case CounterResponded:
		c.Responded += delta
	}
}

// Consistent reports whether delivered+failed <= sent <= targeted and responded <= delivered.
func (c Counters) Consistent() bool {
	return c.Delivered+c.Failed <= c.Sent && c.Sent <= c.Targeted && c.Responded <= c.Delivered
}

// Audience selects the contacts a campaign targets. Empty fields are ignored;
// a contact matches when it satisfies every non-empty criterion.
type Audience struct {
	ContactIDs []string `json:"contact_ids,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	ListID     string   `json:"list_id,omitempty"`
}

// IsEmpty reports whether no targeting criteria are set.
func (a Audience) IsEmpty() bool {
	return len(a.ContactIDs) == 0 && len(a.Tags) == 0 && a.ListID == ""
}

type Campaign struct {
	ID           string     `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Description  string     `db:"description" json:"description"`
	Template     string     `db:"template" json:"message"`
	Tags         []string   `db:"tags" json:"tags"`
	Status       Status     `db:"status" json:"status"`
	Audience     Audience   `db:"audience" json:"audience"`
	Counters     Counters   `json:"counters"`
	Cursor       string     `db:"cursor" json:"-"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	ScheduledFor *time.Time `db:"scheduled_for" json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the campaign was soft deleted.
func (c *Campaign) Deleted() bool {
	return c.DeletedAt != nil
}

// CampaignSpec is the caller-supplied definition used to create a campaign.
type CampaignSpec struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Template     string     `json:"message"`
	Tags         []string   `json:"tags"`
	Audience     Audience   `json:"audience"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// CampaignPatch is a partial update; nil fields are left unchanged.
type CampaignPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Template    *string   `json:"message,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	Audience    *Audience `json:"audience,omitempty"`
}
