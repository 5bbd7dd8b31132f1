package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier(t *testing.T) {
	v := NewVerifier("a-very-long-shared-secret")
	body := []byte(`{"event":"fiat_deposit_received"}`)

	sig := v.Sign(body)
	assert.True(t, v.Verify(body, sig))

	t.Run("wrong signature", func(t *testing.T) {
		other := NewVerifier("a-different-shared-secret")
		assert.False(t, v.Verify(body, other.Sign(body)))
	})

	t.Run("tampered body", func(t *testing.T) {
		assert.False(t, v.Verify([]byte(`{"event":"payout_completed"}`), sig))
	})

	t.Run("missing signature", func(t *testing.T) {
		assert.False(t, v.Verify(body, ""))
	})

	t.Run("malformed hex", func(t *testing.T) {
		assert.False(t, v.Verify(body, "not-hex-at-all"))
	})
}

func TestParsePayload(t *testing.T) {
	valid := `{
		"event": "fiat_deposit_received",
		"id": "EVT-1",
		"data": {
			"amount": 5000,
			"currency": "NGN",
			"status": "SUCCESS",
			"customId": "user42",
			"channelId": "chan_9"
		}
	}`

	p, err := ParsePayload([]byte(valid))
	require.NoError(t, err)
	assert.Equal(t, "EVT-1", p.ID)
	assert.Equal(t, EventFiatDeposit, p.Event)
	assert.Equal(t, "5000", p.Data.Amount.String())
	assert.True(t, p.IsDeposit())
}

func TestParsePayload_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `deposit please`},
		{"unknown field", `{"event":"fiat_deposit_received","id":"E1","surprise":true,"data":{"amount":1,"currency":"NGN","status":"SUCCESS","customId":"u"}}`},
		{"missing id", `{"event":"fiat_deposit_received","data":{"amount":1,"currency":"NGN","status":"SUCCESS","customId":"u"}}`},
		{"missing customId", `{"event":"fiat_deposit_received","id":"E1","data":{"amount":1,"currency":"NGN","status":"SUCCESS"}}`},
		{"unknown event", `{"event":"chargeback_received","id":"E1","data":{"amount":1,"currency":"NGN","status":"SUCCESS","customId":"u"}}`},
		{"unknown currency", `{"event":"fiat_deposit_received","id":"E1","data":{"amount":1,"currency":"EUR","status":"SUCCESS","customId":"u"}}`},
		{"sub-unit amount", `{"event":"crypto_deposit_received","id":"E1","data":{"amount":0.001,"currency":"USDC","status":"SUCCESS","customId":"u"}}`},
		{"negative amount", `{"event":"fiat_deposit_received","id":"E1","data":{"amount":-5,"currency":"NGN","status":"SUCCESS","customId":"u"}}`},
		{"zero amount", `{"event":"fiat_deposit_received","id":"E1","data":{"amount":0,"currency":"NGN","status":"SUCCESS","customId":"u"}}`},
		{"bad status", `{"event":"fiat_deposit_received","id":"E1","data":{"amount":1,"currency":"NGN","status":"MAYBE","customId":"u"}}`},
		{"trailing content", `{"event":"payout_completed","id":"E1","data":{"customId":"txn_1"}}{"again":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload([]byte(tt.body))
			assert.ErrorIs(t, err, ErrSchemaInvalid)
		})
	}
}

func TestParsePayload_PayoutSkipsAmountChecks(t *testing.T) {
	// Payout events carry only the correlation id; amounts come from the
	// pending withdrawal on our side.
	body := `{"event":"payout_failed","id":"EVT-9","data":{"customId":"txn_abc"}}`
	p, err := ParsePayload([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "txn_abc", p.Data.CustomID)
	assert.False(t, p.IsDeposit())
}

func TestParsePayload_LargeFiatAmount(t *testing.T) {
	// json.Number keeps big NGN amounts exact.
	body := `{"event":"fiat_deposit_received","id":"E1","data":{"amount":12345678901234.56,"currency":"NGN","status":"SUCCESS","customId":"u"}}`
	p, err := ParsePayload([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234.56"), p.Data.Amount)
}
