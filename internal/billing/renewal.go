package billing

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"go.uber.org/zap"
)

// RenewSubscription prepares the next period for an active
// subscription: create (or reuse) the renewal invoice at the upcoming
// period boundary and ask the provider to collect shortly after it.
// Safe to call repeatedly; invoice reuse absorbs overlapping runs.
func (s *Service) RenewSubscription(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	if sub == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	periodStart := s.clock.Now().UTC()
	switch {
	case sub.NextBillingAt != nil:
		periodStart = sub.NextBillingAt.UTC()
	case sub.TermEnd != nil:
		periodStart = sub.TermEnd.UTC()
	}

	inv, err := s.createInvoiceForPeriod(ctx, sub, periodStart)
	if err != nil {
		return err
	}

	profile, err := s.profileFor(ctx, sub.MemberID)
	if err != nil {
		return err
	}

	chargeAt := periodStart.Add(s.billing.Current().ChargeDelay)
	if now := s.clock.Now().UTC(); chargeAt.Before(now) {
		chargeAt = now
	}

	if err := s.gateway.ScheduleCharge(ctx, paymentdomain.ScheduleRequest{
		OrderID:    snowflake.ID(inv.ID).String(),
		BillingKey: profile.BillingKey,
		Amount:     inv.Amount,
		Currency:   inv.Currency,
		OrderName:  fmt.Sprintf("subscription %s renewal", snowflake.ID(sub.ID).String()),
		ChargeAt:   chargeAt,
	}); err != nil {
		// The invoice stays PENDING; the reconciliation sweep retries
		// collection on the next pass.
		s.log.Warn("renewal schedule failed",
			zap.Int64("subscription_id", sub.ID),
			zap.Int64("invoice_id", inv.ID),
			zap.Error(err),
		)
		return err
	}

	s.log.Info("renewal scheduled",
		zap.Int64("subscription_id", sub.ID),
		zap.Int64("invoice_id", inv.ID),
		zap.Time("charge_at", chargeAt),
	)
	return nil
}

// ReconcileInvoice resolves a stale PENDING invoice against the
// provider's view. Terminal provider states settle the invoice; a
// payment the provider never saw is canceled so the ledger does not
// accumulate unpayable rows. Ambiguous lookups leave the invoice
// untouched for the next sweep.
func (s *Service) ReconcileInvoice(ctx context.Context, inv *invoicedomain.Invoice) error {
	if inv == nil || inv.Status != invoicedomain.InvoiceStatusPending {
		return nil
	}

	lookupID := snowflake.ID(inv.ID).String()
	if inv.PiUID != nil && *inv.PiUID != "" {
		lookupID = *inv.PiUID
	}

	lookup := s.gateway.Lookup(ctx, lookupID)
	switch {
	case lookup.Status == paymentdomain.PaymentNotFound:
		s.log.Info("reconcile: provider has no record, canceling invoice",
			zap.Int64("invoice_id", inv.ID))
		return s.invoices.MarkCanceled(ctx, inv.ID)
	case !lookup.Status.Terminal():
		return nil
	}

	sub, err := s.subscriptions.FindByID(ctx, inv.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	s.settle(ctx, inv, sub.MemberID, "reconcile", lookup.Status, lookup.ProviderPaymentID, lookup.ReceiptURL, lookup.FailReason, lookup.Raw)
	return nil
}
