package domain

import (
	"context"
	"strings"
	"time"
)

// PaymentStatus is the normalized view of whatever the provider calls
// the state of a payment.
type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentCanceled PaymentStatus = "CANCELED"
	PaymentPending  PaymentStatus = "PENDING"
	PaymentUnknown  PaymentStatus = "UNKNOWN"
	PaymentNotFound PaymentStatus = "NOT_FOUND"
)

// NormalizePaymentStatus folds provider status spellings into the
// internal vocabulary. Unrecognized values map to UNKNOWN so transport
// noise is never mistaken for a terminal outcome.
func NormalizePaymentStatus(raw string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAID", "SUCCEEDED", "SUCCESS", "DONE", "COMPLETED":
		return PaymentPaid
	case "FAILED", "ERROR":
		return PaymentFailed
	case "CANCELED", "CANCELLED":
		return PaymentCanceled
	case "PENDING", "READY", "IN_PROGRESS", "VIRTUAL_ACCOUNT_ISSUED":
		return PaymentPending
	default:
		return PaymentUnknown
	}
}

// Terminal reports whether the status settles the invoice.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentPaid, PaymentFailed, PaymentCanceled:
		return true
	default:
		return false
	}
}

// ChargeRequest asks the provider to collect immediately against a
// registered billing key.
type ChargeRequest struct {
	OrderID    string
	BillingKey string
	Amount     int64
	Currency   string
	OrderName  string
}

// ScheduleRequest asks the provider to collect at a future time.
type ScheduleRequest struct {
	OrderID    string
	BillingKey string
	Amount     int64
	Currency   string
	OrderName  string
	ChargeAt   time.Time
}

// PayResult is the normalized outcome of a charge call. Failed is a
// provider-confirmed failure; transport trouble surfaces as
// Status=UNKNOWN with Failed=false.
type PayResult struct {
	Status            PaymentStatus
	ProviderPaymentID string
	ReceiptURL        string
	FailReason        string
	Raw               []byte
}

// LookupResult is the normalized outcome of a payment lookup.
type LookupResult struct {
	Status            PaymentStatus
	ProviderPaymentID string
	OrderID           string
	ReceiptURL        string
	FailReason        string
	PaidAt            *time.Time
	Raw               []byte
}

// ProviderPaymentView is the typed projection of a provider payment
// payload. Every field is optional; absent nodes stay nil.
type ProviderPaymentView struct {
	PaymentID  *string
	OrderID    *string
	Status     *string
	ReceiptURL *string
	FailReason *string
	PaidAt     *time.Time
	CardIssuer *string
	CardBin    *string
	CardLast4  *string
}

// Gateway is the outbound payment provider port. Implementations
// never leak transport errors as payment failures.
type Gateway interface {
	ChargeNow(ctx context.Context, req ChargeRequest) PayResult
	ScheduleCharge(ctx context.Context, req ScheduleRequest) error
	Lookup(ctx context.Context, anyID string) LookupResult
	BillingKeyDetail(ctx context.Context, billingKey string) (*ProviderPaymentView, error)
}
