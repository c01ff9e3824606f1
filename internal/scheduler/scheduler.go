package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/authorization"
	"github.com/smallbiznis/rebill/internal/billing"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Billing         *config.BillingConfigHolder
	BillingSvc      *billing.Service
	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	AuthzSvc        authorization.Service
	Locker          *ratelimit.Locker `optional:"true"`
	Metrics         *metrics.Metrics  `optional:"true"`
	Config          Config            `optional:"true"`
}

// Scheduler drives the periodic billing work: scheduling renewal
// charges, finalizing cancellations whose paid term has lapsed, and
// reconciling invoices the provider callbacks never settled.
type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	billing         *config.BillingConfigHolder
	billingSvc      *billing.Service
	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	authzSvc        authorization.Service
	locker          *ratelimit.Locker
	metrics         *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Billing == nil ||
		p.BillingSvc == nil || p.InvoiceSvc == nil || p.SubscriptionSvc == nil || p.AuthzSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		billing:         p.Billing,
		billingSvc:      p.BillingSvc,
		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		authzSvc:        p.AuthzSvc,
		locker:          p.Locker,
		metrics:         p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	// With multiple scheduler instances, one lease per job keeps the
	// batch single-flight. Lock trouble fails open: every operation a
	// job performs is idempotent, so a doubled run wastes work only.
	if s.locker != nil {
		key := "rebill:scheduler:lock:" + name
		token, held, err := s.locker.TryLock(ctx, key, s.cfg.JobTimeout)
		switch {
		case err != nil:
			s.log.Warn("job lock unavailable, running unlocked",
				zap.String("job", name), zap.Error(err))
		case !held:
			s.log.Debug("job leased by another instance", zap.String("job", name))
			return nil
		default:
			defer func() {
				if err := s.locker.Release(context.Background(), key, token); err != nil {
					s.log.Warn("job lock release failed",
						zap.String("job", name), zap.Error(err))
				}
			}()
		}
	}

	s.metrics.IncJobRun(name)
	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// A deadline is a soft stop: leftover work is picked up next run.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobError(name, "timeout")
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	s.metrics.IncJobError(name, "error")
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job a single time. Jobs are isolated:
// one job failing never stops the others, and within a job one item
// failing never stops the rest of the batch.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"renewals", s.RenewalsJob},
		{"finalize_cancels", s.FinalizeCancelsJob},
		{"reconcile_pending", s.ReconcilePendingJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means all jobs run (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RenewalsJob finds active subscriptions whose next billing moment
// falls inside the lookahead window and schedules their renewal
// charge. Provider schedules are keyed by the invoice id, so a
// subscription seen on consecutive runs is not double-charged.
func (s *Scheduler) RenewalsJob(ctx context.Context) error {
	lookahead := s.billing.Current().RenewalLookahead
	before := s.clock.Now().UTC().Add(lookahead)

	subs, err := s.subscriptionSvc.ListRenewalsDue(ctx, before, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for i := range subs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		sub := &subs[i]

		if err := s.authorizeSystem(ctx, authorization.ObjectInvoice, authorization.ActionInvoiceGenerate); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		if err := s.billingSvc.RenewSubscription(ctx, sub); err != nil {
			if errors.Is(err, billing.ErrNoPaymentProfile) {
				// Nothing to collect with; surfaced to the member
				// through the pending invoice, not a scheduler error.
				s.log.Warn("renewal skipped: no payment profile",
					zap.Int64("subscription_id", sub.ID),
					zap.Int64("member_id", sub.MemberID),
				)
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.log.Warn("renewal failed",
				zap.Int64("subscription_id", sub.ID),
				zap.Error(err),
			)
		}
	}

	return jobErr
}

// FinalizeCancelsJob flips CANCEL_SCHEDULED subscriptions to CANCELED
// once their paid term has lapsed.
func (s *Scheduler) FinalizeCancelsJob(ctx context.Context) error {
	subs, err := s.subscriptionSvc.ListCancelsDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for i := range subs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		sub := &subs[i]

		if err := s.authorizeSystem(ctx, authorization.ObjectSubscription, authorization.ActionSubscriptionFinalize); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		if err := s.subscriptionSvc.FinalizeIfDue(ctx, sub.ID); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.log.Warn("cancel finalize failed",
				zap.Int64("subscription_id", sub.ID),
				zap.Error(err),
			)
			continue
		}
		s.log.Info("subscription canceled at period end",
			zap.Int64("subscription_id", sub.ID),
		)
	}

	return jobErr
}

// ReconcilePendingJob sweeps PENDING invoices older than the sweep age
// and settles them from the provider's authoritative record. This is
// the safety net behind lost webhooks and abandoned polls.
func (s *Scheduler) ReconcilePendingJob(ctx context.Context) error {
	age := s.billing.Current().PendingSweepAge

	invoices, err := s.invoiceSvc.FindPendingOlderThan(ctx, age, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for i := range invoices {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		inv := &invoices[i]

		if err := s.authorizeSystem(ctx, authorization.ObjectPayment, authorization.ActionPaymentReconcile); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		if err := s.billingSvc.ReconcileInvoice(ctx, inv); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.log.Warn("reconcile failed",
				zap.Int64("invoice_id", inv.ID),
				zap.Error(err),
			)
		}
	}

	return jobErr
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object, action string) error {
	return s.authzSvc.Authorize(ctx, "system", object, action)
}
