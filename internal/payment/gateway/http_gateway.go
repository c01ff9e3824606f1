// Package gateway is the outbound adapter for the billing-key payment
// provider. All responses are treated as untrusted and partial, and
// transport trouble is reported as an UNKNOWN status rather than a
// payment failure.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/payment/domain"
	"go.uber.org/zap"
)

type httpGateway struct {
	baseURL string
	secret  string
	storeID string
	client  *http.Client
	log     *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) domain.Gateway {
	timeout := cfg.Gateway.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpGateway{
		baseURL: cfg.Gateway.BaseURL,
		secret:  cfg.Gateway.APISecret,
		storeID: cfg.Gateway.StoreID,
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("payment.gateway"),
	}
}

type chargeBody struct {
	BillingKey string     `json:"billingKey"`
	OrderName  string     `json:"orderName"`
	Amount     amountBody `json:"amount"`
	Currency   string     `json:"currency"`
	StoreID    string     `json:"storeId,omitempty"`
}

type amountBody struct {
	Total int64 `json:"total"`
}

type scheduleBody struct {
	Payment   chargeBody `json:"payment"`
	TimeToPay string     `json:"timeToPay"`
}

// ChargeNow collects immediately against the member's billing key.
// When the provider acknowledges without a payment id, the order id
// lookup fills the gap before the result is classified.
func (g *httpGateway) ChargeNow(ctx context.Context, req domain.ChargeRequest) domain.PayResult {
	body := chargeBody{
		BillingKey: req.BillingKey,
		OrderName:  req.OrderName,
		Amount:     amountBody{Total: req.Amount},
		Currency:   req.Currency,
		StoreID:    g.storeID,
	}

	raw, status, err := g.do(ctx, http.MethodPost,
		fmt.Sprintf("/payments/%s/billing-key", url.PathEscape(req.OrderID)), body)
	if err != nil {
		g.log.Warn("charge request failed in transport", zap.String("order_id", req.OrderID), zap.Error(err))
		return domain.PayResult{Status: domain.PaymentUnknown, Raw: raw}
	}

	view := parsePaymentView(raw)
	result := domain.PayResult{Raw: raw}

	if view.PaymentID != nil {
		result.ProviderPaymentID = *view.PaymentID
	}
	if view.ReceiptURL != nil {
		result.ReceiptURL = *view.ReceiptURL
	}
	if view.FailReason != nil {
		result.FailReason = *view.FailReason
	}

	switch {
	case status >= 200 && status < 300:
		result.Status = domain.PaymentPaid
		if view.Status != nil {
			result.Status = domain.NormalizePaymentStatus(*view.Status)
		}
	case status >= 400 && status < 500:
		result.Status = domain.PaymentFailed
		if result.FailReason == "" {
			result.FailReason = fmt.Sprintf("gateway rejected charge (http %d)", status)
		}
	default:
		result.Status = domain.PaymentUnknown
	}

	if result.Status == domain.PaymentPaid && result.ProviderPaymentID == "" {
		if found := g.Lookup(ctx, req.OrderID); found.ProviderPaymentID != "" {
			result.ProviderPaymentID = found.ProviderPaymentID
			if result.ReceiptURL == "" {
				result.ReceiptURL = found.ReceiptURL
			}
		}
	}
	return result
}

// ScheduleCharge registers a future-dated charge with the provider.
func (g *httpGateway) ScheduleCharge(ctx context.Context, req domain.ScheduleRequest) error {
	body := scheduleBody{
		Payment: chargeBody{
			BillingKey: req.BillingKey,
			OrderName:  req.OrderName,
			Amount:     amountBody{Total: req.Amount},
			Currency:   req.Currency,
			StoreID:    g.storeID,
		},
		TimeToPay: req.ChargeAt.UTC().Format(time.RFC3339),
	}

	_, status, err := g.do(ctx, http.MethodPost,
		fmt.Sprintf("/payments/%s/schedule", url.PathEscape(req.OrderID)), body)
	if err != nil {
		return fmt.Errorf("schedule charge: %w: %w", domain.ErrGatewayUnavailable, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("schedule charge: %w: http %d", domain.ErrGatewayUnavailable, status)
	}
	return nil
}

// Lookup resolves any known id (order id or provider payment id) to a
// normalized payment state. It never returns transport errors; the
// caller sees UNKNOWN and retries later.
func (g *httpGateway) Lookup(ctx context.Context, anyID string) domain.LookupResult {
	raw, status, err := g.do(ctx, http.MethodGet,
		fmt.Sprintf("/payments/%s", url.PathEscape(anyID)), nil)
	if err != nil {
		g.log.Warn("payment lookup failed in transport", zap.String("id", anyID), zap.Error(err))
		return domain.LookupResult{Status: domain.PaymentUnknown}
	}
	if status == http.StatusNotFound {
		found, ok := g.findByOrderID(ctx, anyID)
		if !ok {
			return domain.LookupResult{Status: domain.PaymentNotFound}
		}
		return found
	}
	if status < 200 || status >= 300 {
		return domain.LookupResult{Status: domain.PaymentUnknown, Raw: raw}
	}
	return toLookupResult(raw)
}

func (g *httpGateway) findByOrderID(ctx context.Context, orderID string) (domain.LookupResult, bool) {
	raw, status, err := g.do(ctx, http.MethodGet,
		"/payments?orderId="+url.QueryEscape(orderID), nil)
	if err != nil || status == http.StatusNotFound {
		return domain.LookupResult{}, false
	}
	if status < 200 || status >= 300 {
		return domain.LookupResult{Status: domain.PaymentUnknown, Raw: raw}, true
	}

	// The search endpoint wraps matches in an items array.
	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Items) > 0 {
		return toLookupResult(envelope.Items[0]), true
	}
	return toLookupResult(raw), true
}

// BillingKeyDetail fetches the card metadata registered under a
// billing key, for profile enrichment.
func (g *httpGateway) BillingKeyDetail(ctx context.Context, billingKey string) (*domain.ProviderPaymentView, error) {
	raw, status, err := g.do(ctx, http.MethodGet,
		fmt.Sprintf("/billing-keys/%s", url.PathEscape(billingKey)), nil)
	if err != nil {
		return nil, fmt.Errorf("billing key detail: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("billing key detail: gateway returned http %d", status)
	}
	view := parsePaymentView(raw)
	return &view, nil
}

func (g *httpGateway) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+g.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func toLookupResult(raw []byte) domain.LookupResult {
	view := parsePaymentView(raw)
	result := domain.LookupResult{Status: domain.PaymentUnknown, Raw: raw}
	if view.Status != nil {
		result.Status = domain.NormalizePaymentStatus(*view.Status)
	}
	if view.PaymentID != nil {
		result.ProviderPaymentID = *view.PaymentID
	}
	if view.OrderID != nil {
		result.OrderID = *view.OrderID
	}
	if view.ReceiptURL != nil {
		result.ReceiptURL = *view.ReceiptURL
	}
	if view.FailReason != nil {
		result.FailReason = *view.FailReason
	}
	result.PaidAt = view.PaidAt
	return result
}
