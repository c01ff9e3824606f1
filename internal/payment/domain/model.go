package domain

import (
	"time"

	"gorm.io/datatypes"
)

type AttemptResult string

const (
	AttemptSuccess AttemptResult = "SUCCESS"
	AttemptFail    AttemptResult = "FAIL"
	AttemptPending AttemptResult = "PENDING"
)

// Attempt is one observed outcome of trying to collect an invoice.
// Rows are append-only; reconciliation appends, never rewrites.
type Attempt struct {
	ID                int64          `json:"id" gorm:"primaryKey"`
	InvoiceID         int64          `json:"invoice_id" gorm:"not null;index"`
	Result            AttemptResult  `json:"result" gorm:"type:text;not null"`
	ProviderPaymentID *string        `json:"provider_payment_id,omitempty" gorm:"type:text"`
	ReceiptURL        *string        `json:"receipt_url,omitempty" gorm:"type:text"`
	FailReason        *string        `json:"fail_reason,omitempty" gorm:"type:text"`
	CardIssuer        *string        `json:"card_issuer,omitempty" gorm:"type:text"`
	CardBin           *string        `json:"card_bin,omitempty" gorm:"type:text"`
	CardLast4         *string        `json:"card_last4,omitempty" gorm:"type:text"`
	RawResponse       datatypes.JSON `json:"raw_response,omitempty" gorm:"type:jsonb"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Attempt) TableName() string { return "payment_attempts" }

// PaymentProfile stores the member's registered billing key and the
// card metadata learned from the gateway. Card fields are only written
// by the attempt recorder's enrichment step.
type PaymentProfile struct {
	ID              int64          `json:"id" gorm:"primaryKey"`
	MemberID        int64          `json:"member_id" gorm:"not null;index"`
	BillingKey      string         `json:"-" gorm:"type:text;not null"`
	ProviderName    *string        `json:"provider_name,omitempty" gorm:"type:text"`
	CardIssuer      *string        `json:"card_issuer,omitempty" gorm:"type:text"`
	CardBin         *string        `json:"card_bin,omitempty" gorm:"type:text"`
	CardLast4       *string        `json:"card_last4,omitempty" gorm:"type:text"`
	RawRegistration datatypes.JSON `json:"-" gorm:"type:jsonb"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentProfile) TableName() string { return "payment_profiles" }

// WebhookEvent is the durable record of an inbound provider
// notification, keyed by the provider's event id for deduplication.
type WebhookEvent struct {
	ID              int64          `json:"id" gorm:"primaryKey"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType       *string        `json:"event_type,omitempty" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
