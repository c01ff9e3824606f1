package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/smallbiznis/rebill/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signWith(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifier_AcceptsCurrentScheme(t *testing.T) {
	v := NewVerifier("whsec_test")
	body := `{"type":"Transaction.Paid"}`

	sig := signWith("whsec_test", "evt_1.1714000000."+body)
	require.NoError(t, v.Verify("evt_1", "1714000000", "v1,"+sig, []byte(body)))
}

func TestVerifier_AcceptsLegacyBodyOnlyScheme(t *testing.T) {
	v := NewVerifier("whsec_test")
	body := `{"status":"PAID"}`

	sig := signWith("whsec_test", body)
	require.NoError(t, v.Verify("", "", sig, []byte(body)))
}

func TestVerifier_PicksMatchingSignatureFromList(t *testing.T) {
	v := NewVerifier("whsec_test")
	body := `{}`

	good := signWith("whsec_test", "evt_2.99."+body)
	bad := signWith("whsec_other", "evt_2.99."+body)
	require.NoError(t, v.Verify("evt_2", "99", "v1,"+bad+" v1,"+good, []byte(body)))
}

func TestVerifier_RejectsBadSignature(t *testing.T) {
	v := NewVerifier("whsec_test")
	body := `{"status":"PAID"}`

	sig := signWith("whsec_wrong", "evt_3.1."+body)
	err := v.Verify("evt_3", "1", "v1,"+sig, []byte(body))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifier_RejectsTamperedBody(t *testing.T) {
	v := NewVerifier("whsec_test")
	sig := signWith("whsec_test", "evt_4.1."+`{"amount":100}`)

	err := v.Verify("evt_4", "1", "v1,"+sig, []byte(`{"amount":999}`))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifier_RejectsWhenNoSecretConfigured(t *testing.T) {
	v := NewVerifier("")
	err := v.Verify("evt_5", "1", "v1,anything", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestParseEnvelope(t *testing.T) {
	n, ok := parseEnvelope([]byte(`{
		"type": "Transaction.Paid",
		"data": {
			"paymentId": "pay_123",
			"orderId": "1234567890",
			"currency": "KRW",
			"amount": {"total": 9900}
		}
	}`))
	require.True(t, ok)
	assert.Equal(t, "Transaction.Paid", n.EventType)
	assert.Equal(t, "pay_123", n.PaymentID)
	assert.Equal(t, "1234567890", n.OrderID)
	assert.Equal(t, int64(9900), n.Amount)
	assert.Equal(t, "KRW", n.Currency)
	// Status falls back to the event type suffix.
	assert.Equal(t, "Paid", n.Status)
}

func TestParseEnvelope_TopLevelFieldsWin(t *testing.T) {
	n, ok := parseEnvelope([]byte(`{
		"paymentId": "pay_top",
		"status": "FAILED",
		"data": {"paymentId": "pay_nested", "status": "PAID"}
	}`))
	require.True(t, ok)
	assert.Equal(t, "pay_top", n.PaymentID)
	assert.Equal(t, "FAILED", n.Status)
}

func TestParseEnvelope_RejectsMalformedJSON(t *testing.T) {
	_, ok := parseEnvelope([]byte(`{"type":`))
	assert.False(t, ok)
}
