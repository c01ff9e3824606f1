package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SubscriptionStatus string

const (
	StatusPending         SubscriptionStatus = "PENDING"
	StatusActive          SubscriptionStatus = "ACTIVE"
	StatusCancelScheduled SubscriptionStatus = "CANCEL_SCHEDULED"
	StatusCanceled        SubscriptionStatus = "CANCELED"
)

type BillingMode string

const (
	BillingModeMonthly     BillingMode = "MONTHLY"
	BillingModePrepaidTerm BillingMode = "PREPAID_TERM"
)

// Subscription is one member's recurring billing agreement. The
// current paid window is [TermStart, TermEnd); NextBillingAt marks
// when the next renewal invoice is due. The Next* slots hold a staged
// plan change that takes effect on the next period rollover.
type Subscription struct {
	ID          int64              `json:"id" gorm:"primaryKey"`
	MemberID    int64              `json:"member_id" gorm:"not null;index"`
	PlanID      int64              `json:"plan_id" gorm:"not null"`
	Price       decimal.Decimal    `json:"price" gorm:"type:numeric(18,4);not null"`
	Currency    string             `json:"currency" gorm:"type:text;not null"`
	Months      int                `json:"months" gorm:"not null;default:1"`
	BillingMode BillingMode        `json:"billing_mode" gorm:"type:text;not null;default:MONTHLY"`
	Status      SubscriptionStatus `json:"status" gorm:"type:text;not null;default:PENDING"`

	TermStart     *time.Time `json:"term_start,omitempty"`
	TermEnd       *time.Time `json:"term_end,omitempty"`
	NextBillingAt *time.Time `json:"next_billing_at,omitempty"`

	NextPlanID *int64           `json:"next_plan_id,omitempty"`
	NextPrice  *decimal.Decimal `json:"next_price,omitempty" gorm:"type:numeric(18,4)"`
	NextMonths *int             `json:"next_months,omitempty"`

	LastInvoiceID    *int64 `json:"last_invoice_id,omitempty"`
	PaymentProfileID *int64 `json:"payment_profile_id,omitempty"`

	CancelAtPeriodEnd bool       `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

// EffectivePrice is the amount the next renewal should bill: the
// staged next price when a plan change is pending, else the current
// price.
func (s *Subscription) EffectivePrice() decimal.Decimal {
	if s.NextPrice != nil {
		return *s.NextPrice
	}
	return s.Price
}

// EffectiveMonths mirrors EffectivePrice for the term length.
func (s *Subscription) EffectiveMonths() int {
	if s.NextMonths != nil && *s.NextMonths > 0 {
		return *s.NextMonths
	}
	return s.Months
}
