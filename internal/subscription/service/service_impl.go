package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/clock"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Plans plandomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	plans plandomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		plans: p.Plans,
	}
}

func (s *Service) Start(ctx context.Context, memberID int64, planCode string) (*domain.Subscription, error) {
	if memberID == 0 {
		return nil, domain.ErrInvalidMember
	}

	plan, err := s.plans.GetByCode(ctx, strings.TrimSpace(planCode))
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, plandomain.ErrNotFound
	}

	existing, err := s.repo.FindLiveByMember(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrSubscriptionExists
	}

	mode := domain.BillingModeMonthly
	if plan.Months > 1 {
		mode = domain.BillingModePrepaidTerm
	}

	now := s.clock.Now().UTC()
	sub := &domain.Subscription{
		ID:          s.genID.Generate().Int64(),
		MemberID:    memberID,
		PlanID:      plan.ID,
		Price:       plan.Price,
		Currency:    plan.Currency,
		Months:      plan.Months,
		BillingMode: mode,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, s.db, sub); err != nil {
		// The partial unique index on live subscriptions closes the
		// window between the existence check and the insert.
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSubscriptionExists
		}
		return nil, err
	}

	s.log.Info("subscription started",
		zap.Int64("subscription_id", sub.ID),
		zap.Int64("member_id", memberID),
		zap.String("plan_code", plan.Code),
	)
	return sub, nil
}

// ActivateInvoice rolls the paid period forward. The new term starts
// at the later of the old term end and now, so the window never
// regresses; a replay for the same invoice is a no-op.
func (s *Service) ActivateInvoice(ctx context.Context, inv *invoicedomain.Invoice, months int) error {
	if inv == nil || inv.Status != invoicedomain.InvoiceStatusPaid {
		return domain.ErrInvoiceNotPaid
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, inv.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}
		if sub.LastInvoiceID != nil && *sub.LastInvoiceID == inv.ID {
			return nil
		}
		if sub.Status == domain.StatusCanceled {
			s.log.Warn("paid invoice for a canceled subscription, period not advanced",
				zap.Int64("subscription_id", sub.ID),
				zap.Int64("invoice_id", inv.ID),
			)
			return nil
		}

		// A staged plan change takes effect on this rollover.
		if sub.NextPlanID != nil {
			sub.PlanID = *sub.NextPlanID
		}
		if sub.NextPrice != nil {
			sub.Price = *sub.NextPrice
		}
		if sub.NextMonths != nil && *sub.NextMonths > 0 {
			sub.Months = *sub.NextMonths
		}
		if months <= 0 {
			months = sub.Months
		}

		now := s.clock.Now().UTC()
		termStart := now
		if sub.TermEnd != nil && sub.TermEnd.After(now) {
			termStart = sub.TermEnd.UTC()
		}
		termEnd := termStart.AddDate(0, months, 0)

		status := domain.StatusActive
		if sub.CancelAtPeriodEnd {
			status = domain.StatusCancelScheduled
		}

		invoiceID := inv.ID
		sub.Status = status
		sub.TermStart = &termStart
		sub.TermEnd = &termEnd
		sub.NextBillingAt = &termEnd
		sub.LastInvoiceID = &invoiceID
		sub.UpdatedAt = now

		if err := s.repo.ApplyActivation(ctx, tx, sub); err != nil {
			return err
		}

		s.log.Info("subscription period advanced",
			zap.Int64("subscription_id", sub.ID),
			zap.Int64("invoice_id", inv.ID),
			zap.Time("term_start", termStart),
			zap.Time("term_end", termEnd),
		)
		return nil
	})
}

func (s *Service) ScheduleCancelAtPeriodEnd(ctx context.Context, subscriptionID, actorID int64) (*domain.Subscription, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidSubscriptionID
	}

	var out *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadOwned(ctx, tx, subscriptionID, actorID)
		if err != nil {
			return err
		}
		if sub.Status == domain.StatusCanceled {
			return domain.ErrAlreadyCanceled
		}

		now := s.clock.Now().UTC()
		sub.CancelAtPeriodEnd = true
		sub.CancelRequestedAt = &now
		if sub.TermEnd == nil || !now.Before(*sub.TermEnd) {
			// Period already lapsed (or never started): finalize now.
			sub.Status = domain.StatusCanceled
			sub.CanceledAt = &now
		} else {
			sub.Status = domain.StatusCancelScheduled
		}
		sub.UpdatedAt = now

		if err := s.repo.UpdateCancelState(ctx, tx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("cancellation scheduled",
		zap.Int64("subscription_id", out.ID),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) RevertCancelAtPeriodEnd(ctx context.Context, subscriptionID, actorID int64) (*domain.Subscription, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidSubscriptionID
	}

	var out *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadOwned(ctx, tx, subscriptionID, actorID)
		if err != nil {
			return err
		}
		if sub.Status == domain.StatusCanceled {
			return domain.ErrPeriodLapsed
		}
		if !sub.CancelAtPeriodEnd || sub.Status != domain.StatusCancelScheduled {
			return domain.ErrCancelNotScheduled
		}

		now := s.clock.Now().UTC()
		if sub.TermEnd == nil || !now.Before(*sub.TermEnd) {
			return domain.ErrPeriodLapsed
		}

		sub.Status = domain.StatusActive
		sub.CancelAtPeriodEnd = false
		sub.CancelRequestedAt = nil
		sub.UpdatedAt = now

		if err := s.repo.UpdateCancelState(ctx, tx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("cancellation reverted", zap.Int64("subscription_id", out.ID))
	return out, nil
}

// FinalizeIfDue cancels a CANCEL_SCHEDULED subscription once its paid
// period lapses. Safe to call redundantly: not-due and already-final
// states are no-ops.
func (s *Service) FinalizeIfDue(ctx context.Context, subscriptionID int64) error {
	if subscriptionID == 0 {
		return domain.ErrInvalidSubscriptionID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}
		if !sub.CancelAtPeriodEnd || sub.Status != domain.StatusCancelScheduled {
			return nil
		}

		now := s.clock.Now().UTC()
		if sub.TermEnd != nil && now.Before(*sub.TermEnd) {
			return nil
		}

		sub.Status = domain.StatusCanceled
		sub.CanceledAt = &now
		sub.UpdatedAt = now
		if err := s.repo.UpdateCancelState(ctx, tx, sub); err != nil {
			return err
		}

		s.log.Info("subscription finalized", zap.Int64("subscription_id", sub.ID))
		return nil
	})
}

func (s *Service) StagePlanChange(ctx context.Context, subscriptionID, actorID int64, planCode string) (*domain.Subscription, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidSubscriptionID
	}

	plan, err := s.plans.GetByCode(ctx, strings.TrimSpace(planCode))
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, plandomain.ErrNotFound
	}

	var out *domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadOwned(ctx, tx, subscriptionID, actorID)
		if err != nil {
			return err
		}
		if sub.Status == domain.StatusCanceled {
			return domain.ErrAlreadyCanceled
		}

		price := plan.Price
		months := plan.Months
		sub.NextPlanID = &plan.ID
		sub.NextPrice = &price
		sub.NextMonths = &months
		sub.UpdatedAt = s.clock.Now().UTC()

		if err := s.repo.StageChange(ctx, tx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("plan change staged",
		zap.Int64("subscription_id", out.ID),
		zap.String("next_plan_code", plan.Code),
	)
	return out, nil
}

func (s *Service) Get(ctx context.Context, subscriptionID, actorID int64) (*domain.Subscription, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidSubscriptionID
	}
	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	if sub.MemberID != actorID {
		return nil, domain.ErrForbidden
	}
	return sub, nil
}

func (s *Service) FindByID(ctx context.Context, subscriptionID int64) (*domain.Subscription, error) {
	if subscriptionID == 0 {
		return nil, domain.ErrInvalidSubscriptionID
	}
	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) AttachPaymentProfile(ctx context.Context, subscriptionID, profileID int64) error {
	if subscriptionID == 0 {
		return domain.ErrInvalidSubscriptionID
	}
	return s.repo.UpdatePaymentProfile(ctx, s.db, subscriptionID, profileID, s.clock.Now().UTC())
}

func (s *Service) ListRenewalsDue(ctx context.Context, before time.Time, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.repo.ListRenewalsDue(ctx, s.db, before.UTC(), limit)
}

func (s *Service) ListCancelsDue(ctx context.Context, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.repo.ListCancelsDue(ctx, s.db, s.clock.Now().UTC(), limit)
}

func (s *Service) loadOwned(ctx context.Context, tx *gorm.DB, subscriptionID, actorID int64) (*domain.Subscription, error) {
	sub, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	if sub.MemberID != actorID {
		return nil, domain.ErrForbidden
	}
	return sub, nil
}
