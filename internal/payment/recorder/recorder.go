// Package recorder appends payment attempt outcomes to the ledger and
// enriches the payment profile with card metadata as it is learned.
package recorder

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Gateway domain.Gateway
	Metrics *metrics.Metrics `optional:"true"`
}

type Recorder struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	gateway domain.Gateway
	metrics *metrics.Metrics
}

func New(p Params) domain.Recorder {
	return &Recorder{
		db:      p.DB,
		log:     p.Log.Named("payment.recorder"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		gateway: p.Gateway,
		metrics: p.Metrics,
	}
}

// Record classifies and persists one outcome. Success is taken from
// the caller's flag or from a paid-looking status in the payload; a
// terminal failure reason makes the attempt FAIL; everything else is
// recorded as PENDING.
func (r *Recorder) Record(ctx context.Context, req domain.RecordRequest) (*domain.Attempt, error) {
	if req.InvoiceID == 0 {
		return nil, domain.ErrInvalidInvoice
	}

	view := req.View
	success := req.Success
	if !success && view != nil && view.Status != nil {
		success = domain.NormalizePaymentStatus(*view.Status) == domain.PaymentPaid
	}

	result := domain.AttemptPending
	switch {
	case success:
		result = domain.AttemptSuccess
	case strings.TrimSpace(req.FailReason) != "":
		result = domain.AttemptFail
	}

	attempt := &domain.Attempt{
		ID:        r.genID.Generate().Int64(),
		InvoiceID: req.InvoiceID,
		Result:    result,
		CreatedAt: r.clock.Now().UTC(),
	}
	if id := strings.TrimSpace(req.ProviderPaymentID); id != "" {
		attempt.ProviderPaymentID = &id
	} else if view != nil && view.PaymentID != nil {
		attempt.ProviderPaymentID = view.PaymentID
	}
	if receipt := strings.TrimSpace(req.ReceiptURL); receipt != "" {
		attempt.ReceiptURL = &receipt
	} else if view != nil && view.ReceiptURL != nil {
		attempt.ReceiptURL = view.ReceiptURL
	}
	if reason := strings.TrimSpace(req.FailReason); reason != "" {
		attempt.FailReason = &reason
	} else if view != nil && view.FailReason != nil {
		attempt.FailReason = view.FailReason
	}
	if view != nil {
		attempt.CardIssuer = view.CardIssuer
		attempt.CardBin = view.CardBin
		attempt.CardLast4 = view.CardLast4
	}
	if len(req.Raw) > 0 {
		attempt.RawResponse = datatypes.JSON(req.Raw)
	}

	if err := r.repo.InsertAttempt(ctx, r.db, attempt); err != nil {
		return nil, err
	}
	r.metrics.RecordPaymentEvent(req.Source, string(result))
	r.log.Info("payment attempt recorded",
		zap.Int64("invoice_id", req.InvoiceID),
		zap.String("result", string(result)),
		zap.String("source", req.Source),
	)

	if result == domain.AttemptSuccess && req.MemberID != 0 {
		r.enrichProfile(ctx, req.MemberID, view)
	}
	return attempt, nil
}

// enrichProfile merges newly learned card metadata into the member's
// payment profile. Empty incoming fields never blank stored values,
// and the write is skipped entirely when nothing changed. Enrichment
// is best-effort; failures are logged and do not fail the attempt.
func (r *Recorder) enrichProfile(ctx context.Context, memberID int64, view *domain.ProviderPaymentView) {
	profile, err := r.repo.FindProfileByMember(ctx, r.db, memberID)
	if err != nil {
		r.log.Warn("profile enrichment lookup failed", zap.Int64("member_id", memberID), zap.Error(err))
		return
	}
	if profile == nil {
		return
	}

	var issuer, bin, last4 *string
	if view != nil {
		issuer, bin, last4 = view.CardIssuer, view.CardBin, view.CardLast4
	}

	// One supplementary gateway lookup when the payload alone did not
	// carry the card details.
	if issuer == nil && bin == nil && last4 == nil {
		detail, err := r.gateway.BillingKeyDetail(ctx, profile.BillingKey)
		if err != nil {
			r.log.Warn("billing key detail lookup failed", zap.Int64("member_id", memberID), zap.Error(err))
			return
		}
		if detail != nil {
			issuer, bin, last4 = detail.CardIssuer, detail.CardBin, detail.CardLast4
		}
	}

	changed := false
	if issuer != nil && !equalPtr(profile.CardIssuer, issuer) {
		profile.CardIssuer = issuer
		changed = true
	}
	if bin != nil && !equalPtr(profile.CardBin, bin) {
		profile.CardBin = bin
		changed = true
	}
	if last4 != nil && !equalPtr(profile.CardLast4, last4) {
		profile.CardLast4 = last4
		changed = true
	}
	if !changed {
		return
	}

	profile.UpdatedAt = r.clock.Now().UTC()
	if err := r.repo.UpdateProfileCard(ctx, r.db, profile); err != nil {
		r.log.Warn("profile enrichment write failed", zap.Int64("member_id", memberID), zap.Error(err))
	}
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
