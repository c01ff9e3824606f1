package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/rebill/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, subscription_id, period_start, period_end, amount, currency,
	 status, pi_uid, paid_at, fail_reason, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (id, subscription_id, period_start, period_end, amount, currency, status, pi_uid, paid_at, fail_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.SubscriptionID,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.Amount,
		invoice.Currency,
		invoice.Status,
		invoice.PiUID,
		invoice.PaidAt,
		invoice.FailReason,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = ?`
	// sqlite has no row locks; the shared connection serializes writes.
	if db.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, db, query, id)
}

func (r *repo) FindByPiUID(ctx context.Context, db *gorm.DB, piUID string) (*domain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+` FROM invoices WHERE pi_uid = ?`, piUID)
}

func (r *repo) FindReusablePending(ctx context.Context, db *gorm.DB, subscriptionID int64, amount int64, currency string, since time.Time) (*domain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE subscription_id = ? AND amount = ? AND currency = ?
		   AND status = ? AND created_at >= ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		subscriptionID, amount, currency, domain.InvoiceStatusPending, since)
}

func (r *repo) FindPendingByAmount(ctx context.Context, db *gorm.DB, amount int64, currency string, since time.Time) ([]domain.Invoice, error) {
	var items []domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE amount = ? AND currency = ? AND status = ? AND created_at >= ?
		 ORDER BY created_at DESC`,
		amount, currency, domain.InvoiceStatusPending, since,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindPendingOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Invoice, error) {
	var items []domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		domain.InvoiceStatusPending, cutoff, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID int64, limit int) ([]domain.Invoice, error) {
	var items []domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE subscription_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		subscriptionID, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkPaid flips a PENDING invoice to PAID. The status guard makes the
// write a no-op when another path settled the invoice first.
func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id int64, piUID *string, paidAt time.Time, updatedAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, pi_uid = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.InvoiceStatusPaid, piUID, paidAt, updatedAt,
		id, domain.InvoiceStatusPending,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id int64, reason string, updatedAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, fail_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.InvoiceStatusFailed, reason, updatedAt,
		id, domain.InvoiceStatusPending,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, id int64, updatedAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.InvoiceStatusCanceled, updatedAt,
		id, domain.InvoiceStatusPending,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := db.WithContext(ctx).Raw(query, args...).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, nil
	}
	return &inv, nil
}
