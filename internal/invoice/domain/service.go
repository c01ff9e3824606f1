package domain

import (
	"context"
	"errors"
	"time"
)

// Service is the invoice ledger. Invoice statuses only move forward:
// PENDING may become PAID, FAILED or CANCELED; terminal statuses never
// change again.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Invoice, error)
	MarkPaid(ctx context.Context, invoiceID int64, providerPaymentID string, paidAt time.Time) error
	MarkFailed(ctx context.Context, invoiceID int64, reason string) error
	MarkCanceled(ctx context.Context, invoiceID int64) error
	FindByID(ctx context.Context, invoiceID int64) (*Invoice, error)
	FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*Invoice, error)
	FindPendingByAmount(ctx context.Context, amount int64, currency string, window time.Duration) ([]Invoice, error)
	FindPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]Invoice, error)
	ListBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]Invoice, error)
}

type CreateRequest struct {
	SubscriptionID int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Amount         int64
	Currency       string
}

var (
	ErrInvalidInvoiceID      = errors.New("invalid_invoice_id")
	ErrInvalidSubscriptionID = errors.New("invalid_subscription_id")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrInvalidPeriod         = errors.New("invalid_period")
	ErrInvoiceNotFound       = errors.New("invoice_not_found")
	ErrInvoiceAlreadyFailed  = errors.New("invoice_already_failed")
	ErrInvoiceCanceled       = errors.New("invoice_canceled")
)
