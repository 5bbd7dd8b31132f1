// Package webhook ingests HostFi payment events.
//
// Every inbound delivery passes through the same gauntlet: HMAC signature
// verification over the raw body, strict schema validation, then an
// idempotent ledger apply keyed by the provider event id. HostFi delivers
// at-least-once, so duplicates are acknowledged with 200 and no effect.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/craftvine/engine/internal/money"
)

var (
	// ErrSchemaInvalid marks a payload that failed validation. Resending
	// the same body cannot succeed, so handlers acknowledge with 422.
	ErrSchemaInvalid = errors.New("webhook payload failed schema validation")

	// ErrUnknownCustomID marks a correlation id that resolves to neither
	// a wallet nor a booking.
	ErrUnknownCustomID = errors.New("customId does not resolve to a wallet or booking")
)

// Provider event types accepted on /webhooks.
const (
	EventFiatDeposit     = "fiat_deposit_received"
	EventCryptoDeposit   = "crypto_deposit_received"
	EventPayoutCompleted = "payout_completed"
	EventPayoutFailed    = "payout_failed"
)

// Provider-side settlement statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Payload is the normalized HostFi event envelope.
type Payload struct {
	Event string      `json:"event"`
	ID    string      `json:"id"`
	Data  PayloadData `json:"data"`
}

// PayloadData carries the settlement details of an event.
type PayloadData struct {
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
	Status    string      `json:"status"`
	CustomID  string      `json:"customId"`
	ChannelID string      `json:"channelId"`
}

// IsDeposit reports whether the payload is a deposit-type event.
func (p *Payload) IsDeposit() bool {
	return p.Event == EventFiatDeposit || p.Event == EventCryptoDeposit
}

// ParsePayload decodes and validates a raw webhook body. Unknown fields,
// missing ids, bad event types, and unparseable amounts all reject.
func ParsePayload(body []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after payload", ErrSchemaInvalid)
	}

	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrSchemaInvalid)
	}
	if p.Data.CustomID == "" {
		return nil, fmt.Errorf("%w: missing customId", ErrSchemaInvalid)
	}

	switch p.Event {
	case EventFiatDeposit, EventCryptoDeposit:
		cur, err := money.ParseCurrency(p.Data.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		amt, err := money.Parse(p.Data.Amount.String(), cur)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
		}
		if !amt.IsPositive() {
			return nil, fmt.Errorf("%w: deposit amount must be positive", ErrSchemaInvalid)
		}
		if p.Data.Status != StatusSuccess && p.Data.Status != StatusFailed {
			return nil, fmt.Errorf("%w: unknown status %q", ErrSchemaInvalid, p.Data.Status)
		}
	case EventPayoutCompleted, EventPayoutFailed:
		// Payouts correlate back to a withdrawal transaction via customId;
		// amount and currency are taken from our own pending record.
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrSchemaInvalid, p.Event)
	}

	return &p, nil
}

// Verifier checks HostFi request signatures.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the shared webhook secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign computes the hex HMAC-SHA256 signature of body.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. Missing or malformed
// signatures are invalid; comparison is constant-time.
func (v *Verifier) Verify(body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
