package domain

import (
	"context"
	"errors"
	"time"

	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
)

type Service interface {
	// Start opens a PENDING subscription for the member on the given
	// plan. The member may hold at most one live subscription.
	Start(ctx context.Context, memberID int64, planCode string) (*Subscription, error)

	// ActivateInvoice advances the paid period after the given invoice
	// settled. Safe to call more than once for the same invoice.
	ActivateInvoice(ctx context.Context, inv *invoicedomain.Invoice, months int) error

	ScheduleCancelAtPeriodEnd(ctx context.Context, subscriptionID, actorID int64) (*Subscription, error)
	RevertCancelAtPeriodEnd(ctx context.Context, subscriptionID, actorID int64) (*Subscription, error)
	FinalizeIfDue(ctx context.Context, subscriptionID int64) error
	StagePlanChange(ctx context.Context, subscriptionID, actorID int64, planCode string) (*Subscription, error)

	Get(ctx context.Context, subscriptionID, actorID int64) (*Subscription, error)
	FindByID(ctx context.Context, subscriptionID int64) (*Subscription, error)
	AttachPaymentProfile(ctx context.Context, subscriptionID, profileID int64) error

	ListRenewalsDue(ctx context.Context, before time.Time, limit int) ([]Subscription, error)
	ListCancelsDue(ctx context.Context, limit int) ([]Subscription, error)
}

var (
	ErrInvalidSubscriptionID = errors.New("invalid_subscription_id")
	ErrInvalidMember         = errors.New("invalid_member")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionExists    = errors.New("subscription_exists")
	ErrForbidden             = errors.New("forbidden")
	ErrAlreadyCanceled       = errors.New("subscription_canceled")
	ErrCancelNotScheduled    = errors.New("cancel_not_scheduled")
	ErrPeriodLapsed          = errors.New("period_lapsed")
	ErrInvoiceNotPaid        = errors.New("invoice_not_paid")
)
