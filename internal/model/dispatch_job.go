// internal/model/dispatch_job.go
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is the delivery state of one DispatchJob.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeSent
	OutcomeDelivered
	OutcomeFailed
	OutcomePermanentlyFailed

	outcomeCount
)

var outcomeNames = [outcomeCount]string{
	OutcomePending:           "pending",
	OutcomeSent:              "sent",
	OutcomeDelivered:         "delivered",
	OutcomeFailed:            "failed",
	OutcomePermanentlyFailed: "permanently_failed",
}

func (o Outcome) String() string {
	if o >= outcomeCount {
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
	return outcomeNames[o]
}

// Terminal reports whether the dispatcher is done with the job. Only pending
// jobs are ever (re)sent.
func (o Outcome) Terminal() bool {
	return o != OutcomePending
}

func ParseOutcome(name string) (Outcome, error) {
	for i, n := range outcomeNames {
		if n == name {
			return Outcome(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job outcome %q", name)
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Outcome) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseOutcome(name)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// DispatchJob is one rendered message for one recipient of a campaign.
type DispatchJob struct {
	ID          string    `db:"id" json:"id"`
	CampaignID  string    `db:"campaign_id" json:"campaign_id"`
	RecipientID string    `db:"recipient_id" json:"recipient_id"`
	Address     string    `db:"address" json:"address"`
	Body        string    `db:"body" json:"body"`
	Attempts    int       `db:"attempts" json:"attempts"`
	LastError   string    `db:"last_error" json:"last_error,omitempty"`
	MessageID   string    `db:"message_id" json:"message_id,omitempty"`
	Outcome     Outcome   `db:"outcome" json:"outcome"`
	Responded   bool      `db:"responded" json:"responded"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
