package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

// SignatureVerifier decides whether a raw webhook body was produced by the provider.
// It must not parse the body beyond what the signature scheme requires.
type SignatureVerifier interface {
	Verify(body []byte, header string) bool
}

// HMACVerifier checks a hex-encoded HMAC of the raw body (SHA-512 unless Hash is set).
type HMACVerifier struct {
	Secret string
	Hash   func() hash.Hash
}

func (v HMACVerifier) Verify(body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if v.Secret == "" || header == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(header))
	if err != nil {
		return false
	}
	h := v.Hash
	if h == nil {
		h = sha512.New
	}
	mac := hmac.New(h, []byte(v.Secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// DefaultWebhookTolerance bounds the age of timestamped signatures.
const DefaultWebhookTolerance = 300 * time.Second

// TimestampVerifier checks "t=<unix>,v1=<hex>" headers: an HMAC-SHA256 over
// "<t>.<body>" that must be no older than Tolerance.
type TimestampVerifier struct {
	Secret    string
	Tolerance time.Duration
}

func (v TimestampVerifier) Verify(body []byte, header string) bool {
	if v.Secret == "" || strings.TrimSpace(header) == "" {
		return false
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return webhook.ValidatePayloadWithTolerance(body, header, v.Secret, tolerance) == nil
}
