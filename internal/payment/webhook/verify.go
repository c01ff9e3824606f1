package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/smallbiznis/rebill/internal/payment/domain"
)

// Verifier checks provider webhook signatures: HMAC-SHA256 over
// "<id>.<timestamp>.<body>", with a body-only fallback for the legacy
// signing scheme. Comparison is constant time.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret))}
}

func (v *Verifier) Verify(eventID, timestamp, signatureHeader string, body []byte) error {
	if len(v.secret) == 0 {
		return domain.ErrInvalidSignature
	}

	signatures := parseSignatures(signatureHeader)
	if len(signatures) == 0 {
		return domain.ErrInvalidSignature
	}

	candidates := [][]byte{v.sign([]byte(eventID+"."+timestamp+"."), body)}
	// Legacy senders sign the body alone.
	candidates = append(candidates, v.sign(nil, body))

	for _, signature := range signatures {
		decoded, err := base64.StdEncoding.DecodeString(signature)
		if err != nil {
			continue
		}
		for _, expected := range candidates {
			if hmac.Equal(decoded, expected) {
				return nil
			}
		}
	}
	return domain.ErrInvalidSignature
}

func (v *Verifier) sign(prefix, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	if len(prefix) > 0 {
		_, _ = mac.Write(prefix)
	}
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// parseSignatures splits a "v1,<sig> v1,<sig>" style header into the
// bare base64 signatures.
func parseSignatures(header string) []string {
	var out []string
	for _, part := range strings.Fields(header) {
		if version, sig, ok := strings.Cut(part, ","); ok {
			if strings.HasPrefix(version, "v") {
				part = sig
			}
		}
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
