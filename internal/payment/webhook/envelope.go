package webhook

import (
	"encoding/json"
	"strings"
)

// envelope is the provider's notification body. The shape varies by
// event generation; every field access tolerates absence.
type envelope struct {
	Type      *string `json:"type"`
	PaymentID *string `json:"paymentId"`
	OrderID   *string `json:"orderId"`
	Status    *string `json:"status"`

	Data *struct {
		PaymentID *string `json:"paymentId"`
		OrderID   *string `json:"orderId"`
		Status    *string `json:"status"`
		Currency  *string `json:"currency"`
		Amount    *struct {
			Total *int64 `json:"total"`
		} `json:"amount"`
	} `json:"data"`
}

type notification struct {
	EventType string
	PaymentID string
	OrderID   string
	Status    string
	Amount    int64
	Currency  string
}

func parseEnvelope(payload []byte) (notification, bool) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return notification{}, false
	}

	n := notification{
		EventType: deref(env.Type),
		PaymentID: deref(env.PaymentID),
		OrderID:   deref(env.OrderID),
		Status:    deref(env.Status),
	}
	if env.Data != nil {
		if n.PaymentID == "" {
			n.PaymentID = deref(env.Data.PaymentID)
		}
		if n.OrderID == "" {
			n.OrderID = deref(env.Data.OrderID)
		}
		if n.Status == "" {
			n.Status = deref(env.Data.Status)
		}
		n.Currency = deref(env.Data.Currency)
		if env.Data.Amount != nil && env.Data.Amount.Total != nil {
			n.Amount = *env.Data.Amount.Total
		}
	}

	// Events like "Transaction.Paid" carry the outcome in the type
	// when no status field is present.
	if n.Status == "" && n.EventType != "" {
		if _, suffix, ok := strings.Cut(n.EventType, "."); ok {
			n.Status = suffix
		}
	}
	return n, true
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
