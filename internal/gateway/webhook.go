package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// Webhook event types delivered by the gateway.
const (
	EventSetupIntentSucceeded    = "setup_intent.succeeded"
	EventPaymentProcessing       = "payment_intent.processing"
	EventPaymentSucceeded        = "payment_intent.succeeded"
	EventPaymentFailed           = "payment_intent.payment_failed"
	EventTransferCreated         = "transfer.created"
	EventTransferFailed          = "transfer.failed"
	EventCheckoutSessionComplete = "checkout.session.completed"
)

var (
	ErrBadSignature = errors.New("invalid webhook signature")
	ErrBadEvent     = errors.New("malformed webhook event")
)

// Event is one inbound webhook delivery after signature verification.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	AmountCents int64             `json:"amount_cents"`
	Metadata    map[string]string `json:"metadata"`
}

// ParseEvent verifies the HMAC-SHA256 signature of the payload against the
// shared secret and decodes the event. Verification failure rejects the
// event before any state mutation.
func ParseEvent(payload []byte, signature, secret string) (Event, error) {
	if !verifySignature(payload, signature, secret) {
		return Event{}, ErrBadSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, ErrBadEvent
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, ErrBadEvent
	}
	return ev, nil
}

func verifySignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(signature) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// Sign computes the signature for a payload. Exposed for tests and local
// gateway simulation.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
