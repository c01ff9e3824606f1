package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*Invoice, error)
	FindByPiUID(ctx context.Context, db *gorm.DB, piUID string) (*Invoice, error)
	FindReusablePending(ctx context.Context, db *gorm.DB, subscriptionID int64, amount int64, currency string, since time.Time) (*Invoice, error)
	FindPendingByAmount(ctx context.Context, db *gorm.DB, amount int64, currency string, since time.Time) ([]Invoice, error)
	FindPendingOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Invoice, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID int64, limit int) ([]Invoice, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id int64, piUID *string, paidAt time.Time, updatedAt time.Time) (int64, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id int64, reason string, updatedAt time.Time) (int64, error)
	MarkCanceled(ctx context.Context, db *gorm.DB, id int64, updatedAt time.Time) (int64, error)
}
