package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/rebill/internal/payment/domain"
)

// paymentPayload mirrors the provider's payment object. Every field is
// optional; the provider omits whole subtrees depending on the payment
// state and channel.
type paymentPayload struct {
	ID        *string `json:"id"`
	PaymentID *string `json:"paymentId"`
	TxID      *string `json:"txId"`
	OrderID   *string `json:"orderId"`
	Status    *string `json:"status"`

	Receipt *struct {
		URL *string `json:"url"`
	} `json:"receipt"`
	ReceiptURL *string `json:"receiptUrl"`

	Failure *struct {
		Reason  *string `json:"reason"`
		Message *string `json:"message"`
	} `json:"failure"`
	FailReason *string `json:"failReason"`

	PaidAt *string `json:"paidAt"`

	Method *struct {
		Card *cardPayload `json:"card"`
	} `json:"method"`
	Card *cardPayload `json:"card"`

	BillingKey *string `json:"billingKey"`
}

type cardPayload struct {
	Issuer    *string `json:"issuer"`
	Publisher *string `json:"publisher"`
	BIN       *string `json:"bin"`
	Number    *string `json:"number"`
	Last4     *string `json:"last4"`
}

// parsePaymentView projects a raw provider payload onto the typed
// view. Unparseable bodies yield an empty view, never an error; the
// caller decides how much optimism the payload deserves.
func parsePaymentView(raw []byte) domain.ProviderPaymentView {
	var payload paymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ProviderPaymentView{}
	}
	return payload.toView()
}

func (p paymentPayload) toView() domain.ProviderPaymentView {
	view := domain.ProviderPaymentView{
		OrderID: trimmed(p.OrderID),
		Status:  trimmed(p.Status),
	}

	for _, candidate := range []*string{p.PaymentID, p.ID, p.TxID} {
		if id := trimmed(candidate); id != nil {
			view.PaymentID = id
			break
		}
	}

	if p.Receipt != nil {
		view.ReceiptURL = trimmed(p.Receipt.URL)
	}
	if view.ReceiptURL == nil {
		view.ReceiptURL = trimmed(p.ReceiptURL)
	}

	if p.Failure != nil {
		view.FailReason = trimmed(p.Failure.Reason)
		if view.FailReason == nil {
			view.FailReason = trimmed(p.Failure.Message)
		}
	}
	if view.FailReason == nil {
		view.FailReason = trimmed(p.FailReason)
	}

	if raw := trimmed(p.PaidAt); raw != nil {
		if parsed, err := time.Parse(time.RFC3339, *raw); err == nil {
			paidAt := parsed.UTC()
			view.PaidAt = &paidAt
		}
	}

	card := p.Card
	if card == nil && p.Method != nil {
		card = p.Method.Card
	}
	if card != nil {
		view.CardIssuer = trimmed(card.Issuer)
		if view.CardIssuer == nil {
			view.CardIssuer = trimmed(card.Publisher)
		}
		view.CardBin = trimmed(card.BIN)
		view.CardLast4 = trimmed(card.Last4)
		if view.CardLast4 == nil {
			if number := trimmed(card.Number); number != nil && len(*number) >= 4 {
				last4 := (*number)[len(*number)-4:]
				view.CardLast4 = &last4
			}
		}
	}

	return view
}

func trimmed(value *string) *string {
	if value == nil {
		return nil
	}
	out := strings.TrimSpace(*value)
	if out == "" {
		return nil
	}
	return &out
}
