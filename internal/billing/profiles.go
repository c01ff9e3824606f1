package billing

import (
	"context"
	"strings"

	paymentdomain "github.com/smallbiznis/rebill/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// RegisterPaymentProfile stores a member's billing key, pulling the
// card metadata from the gateway when available. Registering again
// simply adds a newer profile; charges always use the latest one.
func (s *Service) RegisterPaymentProfile(ctx context.Context, memberID int64, billingKey string) (*paymentdomain.PaymentProfile, error) {
	billingKey = strings.TrimSpace(billingKey)
	if billingKey == "" {
		return nil, paymentdomain.ErrInvalidBillingKey
	}

	now := s.clock.Now().UTC()
	profile := &paymentdomain.PaymentProfile{
		ID:         s.genID.Generate().Int64(),
		MemberID:   memberID,
		BillingKey: billingKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	detail, err := s.gateway.BillingKeyDetail(ctx, billingKey)
	if err != nil {
		s.log.Warn("billing key detail unavailable at registration",
			zap.Int64("member_id", memberID), zap.Error(err))
	} else if detail != nil {
		profile.CardIssuer = detail.CardIssuer
		profile.CardBin = detail.CardBin
		profile.CardLast4 = detail.CardLast4
	}
	if raw := rawView(detail); raw != nil {
		profile.RawRegistration = raw
	}

	if err := s.paymentRepo.InsertProfile(ctx, s.db, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func rawView(detail *paymentdomain.ProviderPaymentView) datatypes.JSON {
	if detail == nil {
		return nil
	}
	fields := map[string]any{}
	if detail.CardIssuer != nil {
		fields["issuer"] = *detail.CardIssuer
	}
	if detail.CardBin != nil {
		fields["bin"] = *detail.CardBin
	}
	if detail.CardLast4 != nil {
		fields["last4"] = *detail.CardLast4
	}
	if len(fields) == 0 {
		return nil
	}
	raw, err := datatypes.JSONMap(fields).MarshalJSON()
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
