package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/rebill/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, member_id, plan_id, price, currency, months, billing_mode, status,
	 term_start, term_end, next_billing_at, next_plan_id, next_price, next_months,
	 last_invoice_id, payment_profile_id, cancel_at_period_end, cancel_requested_at,
	 canceled_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (id, member_id, plan_id, price, currency, months, billing_mode, status,
		   term_start, term_end, next_billing_at, next_plan_id, next_price, next_months,
		   last_invoice_id, payment_profile_id, cancel_at_period_end, cancel_requested_at,
		   canceled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.MemberID, sub.PlanID, sub.Price, sub.Currency, sub.Months, sub.BillingMode, sub.Status,
		sub.TermStart, sub.TermEnd, sub.NextBillingAt, sub.NextPlanID, sub.NextPrice, sub.NextMonths,
		sub.LastInvoiceID, sub.PaymentProfileID, sub.CancelAtPeriodEnd, sub.CancelRequestedAt,
		sub.CanceledAt, sub.CreatedAt, sub.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	if db.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, db, query, id)
}

func (r *repo) FindLiveByMember(ctx context.Context, db *gorm.DB, memberID int64) (*domain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE member_id = ? AND status IN (?, ?, ?)
		 LIMIT 1`,
		memberID, domain.StatusPending, domain.StatusActive, domain.StatusCancelScheduled)
}

func (r *repo) ListRenewalsDue(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND cancel_at_period_end = ? AND next_billing_at IS NOT NULL AND next_billing_at <= ?
		 ORDER BY next_billing_at ASC
		 LIMIT ?`,
		domain.StatusActive, false, before, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListCancelsDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	var items []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND cancel_at_period_end = ? AND term_end IS NOT NULL AND term_end <= ?
		 ORDER BY term_end ASC
		 LIMIT ?`,
		domain.StatusCancelScheduled, true, now, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ApplyActivation(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, price = ?, currency = ?, months = ?, status = ?,
		     term_start = ?, term_end = ?, next_billing_at = ?,
		     next_plan_id = NULL, next_price = NULL, next_months = NULL,
		     last_invoice_id = ?, updated_at = ?
		 WHERE id = ?`,
		sub.PlanID, sub.Price, sub.Currency, sub.Months, sub.Status,
		sub.TermStart, sub.TermEnd, sub.NextBillingAt,
		sub.LastInvoiceID, sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) UpdateCancelState(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, cancel_at_period_end = ?, cancel_requested_at = ?, canceled_at = ?, updated_at = ?
		 WHERE id = ?`,
		sub.Status, sub.CancelAtPeriodEnd, sub.CancelRequestedAt, sub.CanceledAt, sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) StageChange(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET next_plan_id = ?, next_price = ?, next_months = ?, updated_at = ?
		 WHERE id = ?`,
		sub.NextPlanID, sub.NextPrice, sub.NextMonths, sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) UpdatePaymentProfile(ctx context.Context, db *gorm.DB, id int64, profileID int64, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET payment_profile_id = ?, updated_at = ?
		 WHERE id = ?`,
		profileID, updatedAt, id,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(query, args...).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}
