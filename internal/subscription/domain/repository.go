package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*Subscription, error)
	FindLiveByMember(ctx context.Context, db *gorm.DB, memberID int64) (*Subscription, error)
	ListRenewalsDue(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	ListCancelsDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ApplyActivation(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateCancelState(ctx context.Context, db *gorm.DB, sub *Subscription) error
	StageChange(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdatePaymentProfile(ctx context.Context, db *gorm.DB, id int64, profileID int64, updatedAt time.Time) error
}
