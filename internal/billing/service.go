// Package billing orchestrates the subscription lifecycle end to end:
// start, charge, confirm. It owns the synchronous confirmation path
// (charge then bounded polling) and the asynchronous charge pool.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	"github.com/smallbiznis/rebill/internal/payment/gateway"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChargeStatus is the caller-visible outcome of a confirmation. A
// TIMEOUT is not a failure: the invoice stays PENDING and a webhook or
// the reconciliation sweep settles it later.
type ChargeStatus string

const (
	ChargeSuccess ChargeStatus = "SUCCESS"
	ChargeFail    ChargeStatus = "FAIL"
	ChargeTimeout ChargeStatus = "TIMEOUT"
	ChargePending ChargeStatus = "PENDING"
)

type ChargeOutcome struct {
	Result  ChargeStatus           `json:"result"`
	Reason  string                 `json:"reason,omitempty"`
	Invoice *invoicedomain.Invoice `json:"invoice,omitempty"`
}

type StartResult struct {
	Subscription *subscriptiondomain.Subscription `json:"subscription"`
	Invoice      *invoicedomain.Invoice           `json:"invoice"`
	// Accepted signals the charge was queued, not completed.
	Accepted bool `json:"accepted"`
}

var ErrNoPaymentProfile = errors.New("no_payment_profile")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	Billing       *config.BillingConfigHolder
	Invoices      invoicedomain.Service
	Subscriptions subscriptiondomain.Service
	Gateway       paymentdomain.Gateway
	Recorder      paymentdomain.Recorder
	PaymentRepo   paymentdomain.Repository
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	billing       *config.BillingConfigHolder
	invoices      invoicedomain.Service
	subscriptions subscriptiondomain.Service
	gateway       paymentdomain.Gateway
	recorder      paymentdomain.Recorder
	paymentRepo   paymentdomain.Repository
	metrics       *metrics.Metrics
	pool          *chargePool
}

func New(p Params) *Service {
	workers := p.Cfg.ChargeWorkers
	if workers <= 0 {
		workers = 4
	}
	s := &Service{
		db:            p.DB,
		log:           p.Log.Named("billing.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		billing:       p.Billing,
		invoices:      p.Invoices,
		subscriptions: p.Subscriptions,
		gateway:       p.Gateway,
		recorder:      p.Recorder,
		paymentRepo:   p.PaymentRepo,
		metrics:       p.Metrics,
	}
	s.pool = newChargePool(workers, workers*16, p.Log, s.chargeAsync, p.Metrics)
	return s
}

// StartSubscription opens a PENDING subscription and its first
// invoice, queues the charge to the worker pool, and returns an
// accepted marker so the HTTP layer can answer 202 immediately.
func (s *Service) StartSubscription(ctx context.Context, memberID int64, planCode string) (*StartResult, error) {
	sub, err := s.subscriptions.Start(ctx, memberID, planCode)
	if err != nil {
		return nil, err
	}

	inv, err := s.createInvoiceForPeriod(ctx, sub, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	queued := s.pool.enqueue(chargeTask{invoiceID: inv.ID, memberID: memberID})
	if !queued {
		s.log.Warn("charge queue full, first charge deferred to reconciliation",
			zap.Int64("invoice_id", inv.ID))
	}

	return &StartResult{Subscription: sub, Invoice: inv, Accepted: true}, nil
}

// ChargeAndConfirm is the synchronous path: charge the member's
// billing key for the subscription's due invoice, then poll the
// gateway on a fixed interval until a terminal state or the deadline.
func (s *Service) ChargeAndConfirm(ctx context.Context, memberID, subscriptionID int64) (*ChargeOutcome, error) {
	sub, err := s.subscriptions.Get(ctx, subscriptionID, memberID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscriptiondomain.StatusCanceled {
		return nil, subscriptiondomain.ErrAlreadyCanceled
	}

	periodStart := s.clock.Now().UTC()
	if sub.TermEnd != nil {
		periodStart = sub.TermEnd.UTC()
	}
	inv, err := s.createInvoiceForPeriod(ctx, sub, periodStart)
	if err != nil {
		return nil, err
	}

	profile, err := s.profileFor(ctx, memberID)
	if err != nil {
		return nil, err
	}

	result := s.gateway.ChargeNow(ctx, paymentdomain.ChargeRequest{
		OrderID:    snowflake.ID(inv.ID).String(),
		BillingKey: profile.BillingKey,
		Amount:     inv.Amount,
		Currency:   inv.Currency,
		OrderName:  fmt.Sprintf("subscription %s", snowflake.ID(sub.ID).String()),
	})

	outcome, settled := s.settle(ctx, inv, memberID, "charge", result.Status, result.ProviderPaymentID, result.ReceiptURL, result.FailReason, result.Raw)
	if settled {
		return outcome, nil
	}
	return s.pollUntilTerminal(ctx, inv, memberID, result.ProviderPaymentID)
}

// chargeAsync is the worker pool body: one gateway round trip, then
// settle if the outcome is already terminal. Ambiguous outcomes stay
// PENDING for the webhook or the sweep.
func (s *Service) chargeAsync(ctx context.Context, t chargeTask) {
	inv, err := s.invoices.FindByID(ctx, t.invoiceID)
	if err != nil {
		s.log.Warn("queued charge lost its invoice", zap.Int64("invoice_id", t.invoiceID), zap.Error(err))
		return
	}
	if inv.Status != invoicedomain.InvoiceStatusPending {
		return
	}

	profile, err := s.profileFor(ctx, t.memberID)
	if err != nil {
		s.log.Warn("queued charge has no payment profile",
			zap.Int64("invoice_id", t.invoiceID),
			zap.Int64("member_id", t.memberID),
		)
		return
	}

	result := s.gateway.ChargeNow(ctx, paymentdomain.ChargeRequest{
		OrderID:    snowflake.ID(inv.ID).String(),
		BillingKey: profile.BillingKey,
		Amount:     inv.Amount,
		Currency:   inv.Currency,
		OrderName:  fmt.Sprintf("subscription %s", snowflake.ID(inv.SubscriptionID).String()),
	})
	s.settle(ctx, inv, t.memberID, "charge", result.Status, result.ProviderPaymentID, result.ReceiptURL, result.FailReason, result.Raw)
}

// pollUntilTerminal implements the bounded confirmation loop. The
// deadline produces a TIMEOUT outcome, never a failure.
func (s *Service) pollUntilTerminal(ctx context.Context, inv *invoicedomain.Invoice, memberID int64, providerPaymentID string) (*ChargeOutcome, error) {
	billingCfg := s.billing.Current()
	deadline := s.clock.Now().Add(billingCfg.PollDeadline)

	lookupID := providerPaymentID
	if lookupID == "" {
		lookupID = snowflake.ID(inv.ID).String()
	}

	for {
		if !s.clock.Now().Before(deadline) {
			return &ChargeOutcome{Result: ChargeTimeout, Invoice: inv}, nil
		}
		select {
		case <-ctx.Done():
			return &ChargeOutcome{Result: ChargeTimeout, Invoice: inv}, nil
		case <-s.clock.After(billingCfg.PollInterval):
		}

		lookup := s.gateway.Lookup(ctx, lookupID)
		if lookup.ProviderPaymentID != "" {
			lookupID = lookup.ProviderPaymentID
		}
		if !lookup.Status.Terminal() {
			continue
		}

		outcome, settled := s.settle(ctx, inv, memberID, "poll", lookup.Status, lookup.ProviderPaymentID, lookup.ReceiptURL, lookup.FailReason, lookup.Raw)
		if settled {
			return outcome, nil
		}
	}
}

// settle records the attempt and applies a terminal outcome to the
// ledger and the subscription. Returns settled=false for non-terminal
// statuses.
func (s *Service) settle(
	ctx context.Context,
	inv *invoicedomain.Invoice,
	memberID int64,
	source string,
	status paymentdomain.PaymentStatus,
	providerPaymentID, receiptURL, failReason string,
	raw []byte,
) (*ChargeOutcome, bool) {
	if !status.Terminal() {
		return nil, false
	}

	reason := strings.TrimSpace(failReason)
	if status != paymentdomain.PaymentPaid && reason == "" {
		reason = "provider reported " + string(status)
	}

	if _, err := s.recorder.Record(ctx, paymentdomain.RecordRequest{
		InvoiceID:         inv.ID,
		MemberID:          memberID,
		Source:            source,
		Success:           status == paymentdomain.PaymentPaid,
		ProviderPaymentID: providerPaymentID,
		ReceiptURL:        receiptURL,
		FailReason:        reason,
		Raw:               raw,
	}); err != nil {
		s.log.Error("attempt record failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
	}

	if status == paymentdomain.PaymentPaid {
		if err := s.invoices.MarkPaid(ctx, inv.ID, providerPaymentID, s.clock.Now()); err != nil {
			s.log.Error("settle failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
			return &ChargeOutcome{Result: ChargeFail, Reason: err.Error(), Invoice: inv}, true
		}
		inv.Status = invoicedomain.InvoiceStatusPaid
		if err := s.subscriptions.ActivateInvoice(ctx, inv, 0); err != nil {
			s.log.Error("activation failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
		}
		return &ChargeOutcome{Result: ChargeSuccess, Invoice: inv}, true
	}

	if err := s.invoices.MarkFailed(ctx, inv.ID, reason); err != nil {
		s.log.Error("fail-mark failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
	}
	inv.Status = invoicedomain.InvoiceStatusFailed
	return &ChargeOutcome{Result: ChargeFail, Reason: reason, Invoice: inv}, true
}

func (s *Service) createInvoiceForPeriod(ctx context.Context, sub *subscriptiondomain.Subscription, periodStart time.Time) (*invoicedomain.Invoice, error) {
	months := sub.EffectiveMonths()
	amount, err := s.minorUnits(sub)
	if err != nil {
		return nil, err
	}

	return s.invoices.Create(ctx, invoicedomain.CreateRequest{
		SubscriptionID: sub.ID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodStart.AddDate(0, months, 0),
		Amount:         amount,
		Currency:       sub.Currency,
	})
}

func (s *Service) minorUnits(sub *subscriptiondomain.Subscription) (int64, error) {
	return gateway.MinorUnits(sub.EffectivePrice(), sub.Currency)
}

func (s *Service) profileFor(ctx context.Context, memberID int64) (*paymentdomain.PaymentProfile, error) {
	profile, err := s.paymentRepo.FindProfileByMember(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrNoPaymentProfile
	}
	return profile, nil
}
