package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/rebill/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.Attempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (id, invoice_id, result, provider_payment_id, receipt_url, fail_reason, card_issuer, card_bin, card_last4, raw_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.InvoiceID,
		attempt.Result,
		attempt.ProviderPaymentID,
		attempt.ReceiptURL,
		attempt.FailReason,
		attempt.CardIssuer,
		attempt.CardBin,
		attempt.CardLast4,
		attempt.RawResponse,
		attempt.CreatedAt,
	).Error
}

func (r *repo) FindAttemptByProviderPaymentID(ctx context.Context, db *gorm.DB, providerPaymentID string) (*domain.Attempt, error) {
	var attempt domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, result, provider_payment_id, receipt_url, fail_reason, card_issuer, card_bin, card_last4, raw_response, created_at
		 FROM payment_attempts
		 WHERE provider_payment_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		providerPaymentID,
	).Scan(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == 0 {
		return nil, nil
	}
	return &attempt, nil
}

func (r *repo) FindProfileByID(ctx context.Context, db *gorm.DB, id int64) (*domain.PaymentProfile, error) {
	return r.findProfile(ctx, db,
		`SELECT id, member_id, billing_key, provider_name, card_issuer, card_bin, card_last4, raw_registration, created_at, updated_at
		 FROM payment_profiles WHERE id = ?`, id)
}

func (r *repo) FindProfileByMember(ctx context.Context, db *gorm.DB, memberID int64) (*domain.PaymentProfile, error) {
	return r.findProfile(ctx, db,
		`SELECT id, member_id, billing_key, provider_name, card_issuer, card_bin, card_last4, raw_registration, created_at, updated_at
		 FROM payment_profiles
		 WHERE member_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`, memberID)
}

func (r *repo) InsertProfile(ctx context.Context, db *gorm.DB, profile *domain.PaymentProfile) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_profiles (id, member_id, billing_key, provider_name, card_issuer, card_bin, card_last4, raw_registration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		profile.ID,
		profile.MemberID,
		profile.BillingKey,
		profile.ProviderName,
		profile.CardIssuer,
		profile.CardBin,
		profile.CardLast4,
		profile.RawRegistration,
		profile.CreatedAt,
		profile.UpdatedAt,
	).Error
}

// UpdateProfileCard overwrites the card metadata. Callers compare
// first and skip the write when nothing changed.
func (r *repo) UpdateProfileCard(ctx context.Context, db *gorm.DB, profile *domain.PaymentProfile) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_profiles
		 SET card_issuer = ?, card_bin = ?, card_last4 = ?, updated_at = ?
		 WHERE id = ?`,
		profile.CardIssuer, profile.CardBin, profile.CardLast4, profile.UpdatedAt,
		profile.ID,
	).Error
}

// InsertWebhookEvent reports true when the event id was new; the
// unique index turns replays into a silent no-op.
func (r *repo) InsertWebhookEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (id, provider_event_id, event_type, payload, received_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		event.ID,
		event.ProviderEventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkWebhookProcessed(ctx context.Context, db *gorm.DB, providerEventID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET processed_at = ?
		 WHERE provider_event_id = ? AND processed_at IS NULL`,
		time.Now().UTC(), providerEventID,
	).Error
}

func (r *repo) findProfile(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.PaymentProfile, error) {
	var profile domain.PaymentProfile
	err := db.WithContext(ctx).Raw(query, args...).Scan(&profile).Error
	if err != nil {
		return nil, err
	}
	if profile.ID == 0 {
		return nil, nil
	}
	return &profile, nil
}
