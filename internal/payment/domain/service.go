package domain

import (
	"context"
	"errors"
	"net/http"

	"gorm.io/gorm"
)

// Recorder persists payment attempt outcomes and enriches the payment
// profile with card metadata.
type Recorder interface {
	Record(ctx context.Context, req RecordRequest) (*Attempt, error)
}

// RecordRequest carries one observed outcome for one invoice. Success
// may be asserted by the caller or detected from the raw payload.
type RecordRequest struct {
	InvoiceID         int64
	MemberID          int64
	Source            string
	Success           bool
	ProviderPaymentID string
	ReceiptURL        string
	FailReason        string
	Raw               []byte
	View              *ProviderPaymentView
}

// WebhookService ingests provider push notifications.
type WebhookService interface {
	Ingest(ctx context.Context, payload []byte, headers http.Header) error
}

// Repository is shared by the recorder and the webhook reconciler.
type Repository interface {
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *Attempt) error
	FindAttemptByProviderPaymentID(ctx context.Context, db *gorm.DB, providerPaymentID string) (*Attempt, error)
	FindProfileByID(ctx context.Context, db *gorm.DB, id int64) (*PaymentProfile, error)
	FindProfileByMember(ctx context.Context, db *gorm.DB, memberID int64) (*PaymentProfile, error)
	InsertProfile(ctx context.Context, db *gorm.DB, profile *PaymentProfile) error
	UpdateProfileCard(ctx context.Context, db *gorm.DB, profile *PaymentProfile) error
	InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, db *gorm.DB, providerEventID string) error
}

var (
	ErrInvalidInvoice        = errors.New("invalid_invoice")
	ErrInvalidBillingKey     = errors.New("invalid_billing_key")
	ErrProfileNotFound       = errors.New("payment_profile_not_found")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrInvoiceUnresolved     = errors.New("invoice_unresolved")
	ErrGatewayUnavailable    = errors.New("gateway_unavailable")
)
