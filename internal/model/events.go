package model

import "time"

// ReceiptStatus is the carrier-reported result of a sent message.
type ReceiptStatus string

const (
	ReceiptDelivered   ReceiptStatus = "delivered"
	ReceiptFailed      ReceiptStatus = "failed"
	ReceiptUndelivered ReceiptStatus = "undelivered"
)

// Valid reports whether s is a known receipt status.
func (s ReceiptStatus) Valid() bool {
	switch s {
	case ReceiptDelivered, ReceiptFailed, ReceiptUndelivered:
		return true
	}
	return false
}

// DeliveryReceipt is the transport's asynchronous result for a message id.
type DeliveryReceipt struct {
	MessageID string        `json:"message_id"`
	Status    ReceiptStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// InboundEvent is a reply received from a recipient.
type InboundEvent struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// InboundRecord is a stored InboundEvent. CampaignID and JobID are empty when
// the event could not be attributed.
type InboundRecord struct {
	InboundEvent
	CampaignID string    `db:"campaign_id" json:"campaign_id,omitempty"`
	JobID      string    `db:"job_id" json:"job_id,omitempty"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// Attributed reports whether the event was matched to a delivered job.
func (r *InboundRecord) Attributed() bool {
	return r.CampaignID != ""
}
