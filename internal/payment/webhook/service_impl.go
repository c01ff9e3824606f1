// Package webhook ingests provider push notifications: verify the
// signature, persist and deduplicate the event, then reconcile it
// against the invoice ledger on a bounded worker pool.
package webhook

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/payment/dedup"
	"github.com/smallbiznis/rebill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	headerEventID   = "Webhook-Id"
	headerTimestamp = "Webhook-Timestamp"
	headerSignature = "Webhook-Signature"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	Billing       *config.BillingConfigHolder
	Dedup         dedup.Store
	Repo          domain.Repository
	Invoices      invoicedomain.Service
	Subscriptions subscriptiondomain.Service
	Recorder      domain.Recorder
	Metrics       *metrics.Metrics `optional:"true"`
}

type task struct {
	eventID      string
	notification notification
	payload      []byte
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	billing       *config.BillingConfigHolder
	verifier      *Verifier
	dedup         dedup.Store
	repo          domain.Repository
	invoices      invoicedomain.Service
	subscriptions subscriptiondomain.Service
	recorder      domain.Recorder
	metrics       *metrics.Metrics

	tasks chan task
	wg    sync.WaitGroup
}

func NewService(p Params) *Service {
	workers := p.Cfg.WebhookWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.webhook"),
		genID:         p.GenID,
		clock:         p.Clock,
		billing:       p.Billing,
		verifier:      NewVerifier(p.Cfg.WebhookSecret),
		dedup:         p.Dedup,
		repo:          p.Repo,
		invoices:      p.Invoices,
		subscriptions: p.Subscriptions,
		recorder:      p.Recorder,
		metrics:       p.Metrics,
		tasks:         make(chan task, workers*16),
	}
}

// Start launches the reconciliation workers.
func (s *Service) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-s.tasks:
					if !ok {
						return
					}
					s.process(ctx, t)
				}
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight reconciliations.
func (s *Service) Stop() {
	close(s.tasks)
	s.wg.Wait()
}

// Ingest does the minimal synchronous work for one notification.
// Verification failures and malformed bodies are logged and counted
// but never surfaced; the transport layer answers 200 regardless, so
// the provider does not enter a retry storm.
func (s *Service) Ingest(ctx context.Context, payload []byte, headers http.Header) error {
	eventID := headers.Get(headerEventID)
	timestamp := headers.Get(headerTimestamp)
	signature := headers.Get(headerSignature)

	if err := s.verifier.Verify(eventID, timestamp, signature, payload); err != nil {
		s.metrics.IncSignatureFailure()
		s.log.Warn("webhook signature verification failed", zap.String("event_id", eventID))
		s.metrics.RecordWebhook("signature_failed")
		return nil
	}

	if eventID != "" {
		ttl := s.billing.Current().DedupTTL
		seen, err := s.dedup.SeenOrMark(ctx, eventID, ttl)
		if err != nil {
			s.log.Warn("webhook dedup store unavailable", zap.Error(err))
		} else if seen {
			s.metrics.IncDedupHit()
			s.metrics.RecordWebhook("duplicate")
			return nil
		}
	}

	n, ok := parseEnvelope(payload)
	if !ok {
		s.log.Warn("webhook payload is not valid JSON", zap.String("event_id", eventID))
		s.metrics.RecordWebhook("malformed")
		return nil
	}

	if eventID != "" {
		event := &domain.WebhookEvent{
			ID:              s.genID.Generate().Int64(),
			ProviderEventID: eventID,
			ReceivedAt:      s.clock.Now().UTC(),
			Payload:         datatypes.JSON(payload),
		}
		if n.EventType != "" {
			eventType := n.EventType
			event.EventType = &eventType
		}
		inserted, err := s.repo.InsertWebhookEvent(ctx, s.db, event)
		if err != nil {
			return err
		}
		if !inserted {
			s.metrics.IncDedupHit()
			s.metrics.RecordWebhook("duplicate")
			return nil
		}
	}

	s.metrics.RecordWebhook("accepted")
	t := task{eventID: eventID, notification: n, payload: payload}
	select {
	case s.tasks <- t:
	default:
		// Queue saturated: reconcile inline rather than dropping.
		s.log.Warn("webhook queue full, reconciling inline", zap.String("event_id", eventID))
		s.process(ctx, t)
	}
	return nil
}

func (s *Service) process(ctx context.Context, t task) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n := t.notification
	status := domain.NormalizePaymentStatus(n.Status)
	if !status.Terminal() {
		// Ambiguous intermediate states are not recorded as attempts.
		s.markProcessed(ctx, t.eventID)
		return
	}

	inv, err := s.resolveInvoice(ctx, n)
	if err != nil {
		s.log.Warn("webhook could not be matched to an invoice",
			zap.String("event_id", t.eventID),
			zap.String("payment_id", n.PaymentID),
			zap.String("order_id", n.OrderID),
			zap.Error(err),
		)
		return
	}

	var memberID int64
	if sub, err := s.subscriptions.FindByID(ctx, inv.SubscriptionID); err == nil {
		memberID = sub.MemberID
	}

	failReason := ""
	if status != domain.PaymentPaid {
		failReason = "provider reported " + string(status)
	}
	if _, err := s.recorder.Record(ctx, domain.RecordRequest{
		InvoiceID:         inv.ID,
		MemberID:          memberID,
		Source:            "webhook",
		Success:           status == domain.PaymentPaid,
		ProviderPaymentID: n.PaymentID,
		FailReason:        failReason,
		Raw:               t.payload,
	}); err != nil {
		s.log.Error("webhook attempt record failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
		return
	}

	switch status {
	case domain.PaymentPaid:
		if err := s.invoices.MarkPaid(ctx, inv.ID, n.PaymentID, s.clock.Now()); err != nil {
			s.log.Error("webhook settle failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
			return
		}
		inv.Status = invoicedomain.InvoiceStatusPaid
		if err := s.subscriptions.ActivateInvoice(ctx, inv, 0); err != nil {
			s.log.Error("webhook activation failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
			return
		}
	default:
		if err := s.invoices.MarkFailed(ctx, inv.ID, failReason); err != nil {
			s.log.Error("webhook fail-mark failed", zap.Int64("invoice_id", inv.ID), zap.Error(err))
			return
		}
	}

	s.markProcessed(ctx, t.eventID)
}

// resolveInvoice maps a notification to an invoice: the order id is
// the invoice id, a known provider payment id comes second, and the
// amount+currency window match is the audited last resort.
func (s *Service) resolveInvoice(ctx context.Context, n notification) (*invoicedomain.Invoice, error) {
	if n.OrderID != "" {
		if id, err := snowflake.ParseString(n.OrderID); err == nil && id != 0 {
			if inv, err := s.invoices.FindByID(ctx, id.Int64()); err == nil {
				return inv, nil
			}
		}
	}

	if n.PaymentID != "" {
		if inv, err := s.invoices.FindByProviderPaymentID(ctx, n.PaymentID); err == nil {
			return inv, nil
		}
		if attempt, err := s.repo.FindAttemptByProviderPaymentID(ctx, s.db, n.PaymentID); err == nil && attempt != nil {
			if inv, err := s.invoices.FindByID(ctx, attempt.InvoiceID); err == nil {
				return inv, nil
			}
		}
	}

	billingCfg := s.billing.Current()
	if billingCfg.AmountMatchFallback && n.Amount > 0 && n.Currency != "" {
		candidates, err := s.invoices.FindPendingByAmount(ctx, n.Amount, n.Currency, billingCfg.AmountMatchWindow)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 1 {
			s.metrics.IncAmountMatchFallback()
			s.log.Warn("invoice resolved by amount match fallback",
				zap.Int64("invoice_id", candidates[0].ID),
				zap.Int64("amount", n.Amount),
				zap.String("currency", n.Currency),
				zap.String("payment_id", n.PaymentID),
			)
			return &candidates[0], nil
		}
		if len(candidates) > 1 {
			s.log.Warn("amount match fallback ambiguous, leaving event unresolved",
				zap.Int64("amount", n.Amount),
				zap.String("currency", n.Currency),
				zap.Int("candidates", len(candidates)),
			)
		}
	}

	return nil, domain.ErrInvoiceUnresolved
}

func (s *Service) markProcessed(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if err := s.repo.MarkWebhookProcessed(ctx, s.db, eventID); err != nil {
		s.log.Warn("failed to mark webhook processed", zap.String("event_id", eventID), zap.Error(err))
	}
}
