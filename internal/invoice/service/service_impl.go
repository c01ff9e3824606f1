package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    invoicedomain.Repository
	Billing *config.BillingConfigHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    invoicedomain.Repository
	billing *config.BillingConfigHolder
}

func New(p Params) invoicedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("invoice.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		billing: p.Billing,
	}
}

// Create opens a PENDING invoice for one subscription period. A recent
// PENDING invoice with the same amount and currency is reused so that
// retries and overlapping renewal runs do not double-bill a period.
func (s *Service) Create(ctx context.Context, req invoicedomain.CreateRequest) (*invoicedomain.Invoice, error) {
	if req.SubscriptionID == 0 {
		return nil, invoicedomain.ErrInvalidSubscriptionID
	}
	if req.Amount <= 0 {
		return nil, invoicedomain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, invoicedomain.ErrInvalidCurrency
	}
	if req.PeriodEnd.Before(req.PeriodStart) {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	now := s.clock.Now().UTC()
	reuseWindow := s.billing.Current().InvoiceReuseWindow

	var created *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindReusablePending(ctx, tx, req.SubscriptionID, req.Amount, currency, now.Add(-reuseWindow))
		if err != nil {
			return err
		}
		if existing != nil {
			created = existing
			return nil
		}

		inv := &invoicedomain.Invoice{
			ID:             s.genID.Generate().Int64(),
			SubscriptionID: req.SubscriptionID,
			PeriodStart:    req.PeriodStart.UTC(),
			PeriodEnd:      req.PeriodEnd.UTC(),
			Amount:         req.Amount,
			Currency:       currency,
			Status:         invoicedomain.InvoiceStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.Create(ctx, tx, inv); err != nil {
			return err
		}
		created = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MarkPaid settles a PENDING invoice. Replays are no-ops: a PAID
// invoice stays PAID and its provider payment id is never overwritten.
// A FAILED invoice cannot become PAID afterwards.
func (s *Service) MarkPaid(ctx context.Context, invoiceID int64, providerPaymentID string, paidAt time.Time) error {
	if invoiceID == 0 {
		return invoicedomain.ErrInvalidInvoiceID
	}
	providerPaymentID = strings.TrimSpace(providerPaymentID)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.repo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}

		switch inv.Status {
		case invoicedomain.InvoiceStatusPaid:
			if providerPaymentID != "" && inv.PiUID != nil && *inv.PiUID != providerPaymentID {
				s.log.Warn("settled invoice reported with a different provider payment id",
					zap.Int64("invoice_id", invoiceID),
					zap.String("existing_pi_uid", *inv.PiUID),
					zap.String("reported_pi_uid", providerPaymentID),
				)
			}
			return nil
		case invoicedomain.InvoiceStatusFailed:
			return invoicedomain.ErrInvoiceAlreadyFailed
		case invoicedomain.InvoiceStatusCanceled:
			return invoicedomain.ErrInvoiceCanceled
		}

		piUID := inv.PiUID
		if providerPaymentID != "" {
			piUID = &providerPaymentID
		}
		if paidAt.IsZero() {
			paidAt = s.clock.Now()
		}

		rows, err := s.repo.MarkPaid(ctx, tx, invoiceID, piUID, paidAt.UTC(), s.clock.Now().UTC())
		if err != nil {
			return err
		}
		if rows == 0 {
			// Lost the race inside the guard window; the winner
			// already settled the invoice.
			return nil
		}
		s.log.Info("invoice marked paid",
			zap.Int64("invoice_id", invoiceID),
			zap.String("pi_uid", providerPaymentID),
		)
		return nil
	})
}

// MarkFailed records a terminal payment failure. Already-settled and
// already-failed invoices are left untouched.
func (s *Service) MarkFailed(ctx context.Context, invoiceID int64, reason string) error {
	if invoiceID == 0 {
		return invoicedomain.ErrInvalidInvoiceID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.repo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if inv.Status.Terminal() {
			return nil
		}

		rows, err := s.repo.MarkFailed(ctx, tx, invoiceID, strings.TrimSpace(reason), s.clock.Now().UTC())
		if err != nil {
			return err
		}
		if rows > 0 {
			s.log.Info("invoice marked failed",
				zap.Int64("invoice_id", invoiceID),
				zap.String("reason", reason),
			)
		}
		return nil
	})
}

func (s *Service) MarkCanceled(ctx context.Context, invoiceID int64) error {
	if invoiceID == 0 {
		return invoicedomain.ErrInvalidInvoiceID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.repo.FindByIDForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if inv.Status.Terminal() {
			return nil
		}

		_, err = s.repo.MarkCanceled(ctx, tx, invoiceID, s.clock.Now().UTC())
		return err
	})
}

func (s *Service) FindByID(ctx context.Context, invoiceID int64) (*invoicedomain.Invoice, error) {
	if invoiceID == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	inv, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*invoicedomain.Invoice, error) {
	providerPaymentID = strings.TrimSpace(providerPaymentID)
	if providerPaymentID == "" {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	inv, err := s.repo.FindByPiUID(ctx, s.db, providerPaymentID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Service) FindPendingByAmount(ctx context.Context, amount int64, currency string, window time.Duration) ([]invoicedomain.Invoice, error) {
	if amount <= 0 {
		return nil, invoicedomain.ErrInvalidAmount
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	since := s.clock.Now().UTC().Add(-window)
	return s.repo.FindPendingByAmount(ctx, s.db, amount, currency, since)
}

func (s *Service) FindPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock.Now().UTC().Add(-age)
	return s.repo.FindPendingOlderThan(ctx, s.db, cutoff, limit)
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]invoicedomain.Invoice, error) {
	if subscriptionID <= 0 {
		return nil, invoicedomain.ErrInvalidSubscriptionID
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListBySubscription(ctx, s.db, subscriptionID, limit)
}
