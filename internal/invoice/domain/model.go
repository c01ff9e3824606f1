package domain

import "time"

type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "PENDING"
	InvoiceStatusPaid     InvoiceStatus = "PAID"
	InvoiceStatusFailed   InvoiceStatus = "FAILED"
	InvoiceStatusCanceled InvoiceStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusFailed, InvoiceStatusCanceled:
		return true
	default:
		return false
	}
}

// Invoice is one billing obligation for one subscription period.
// Amount is in minor units of Currency.
type Invoice struct {
	ID             int64         `json:"id" gorm:"primaryKey"`
	SubscriptionID int64         `json:"subscription_id" gorm:"not null;index"`
	PeriodStart    time.Time     `json:"period_start" gorm:"not null"`
	PeriodEnd      time.Time     `json:"period_end" gorm:"not null"`
	Amount         int64         `json:"amount" gorm:"not null"`
	Currency       string        `json:"currency" gorm:"type:text;not null"`
	Status         InvoiceStatus `json:"status" gorm:"type:text;not null;default:PENDING"`
	PiUID          *string       `json:"pi_uid,omitempty" gorm:"column:pi_uid;type:text"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	FailReason     *string       `json:"fail_reason,omitempty" gorm:"type:text"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }
