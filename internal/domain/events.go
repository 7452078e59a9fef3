package domain

import "time"

// DealEventType — тип события жизненного цикла сделки.
type DealEventType string

const (
	EventDealCreated   DealEventType = "deal_created"
	EventDealFunded    DealEventType = "deal_funded"
	EventDraftUploaded DealEventType = "draft_uploaded"
	EventDraftApproved DealEventType = "draft_approved"
	EventDraftRejected DealEventType = "draft_rejected"
	EventDealScheduled DealEventType = "deal_scheduled"
	EventDealPublished DealEventType = "deal_published"
	EventDealCompleted DealEventType = "deal_completed"
	EventDealRefunded  DealEventType = "deal_refunded"
)

// DealEvent публикуется в очередь после успешного перехода.
type DealEvent struct {
	Type       DealEventType `json:"type"`
	DealID     string        `json:"deal_id"`
	OccurredAt time.Time     `json:"occurred_at"`
}
