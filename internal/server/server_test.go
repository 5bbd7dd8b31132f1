package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftvine/engine/internal/config"
	"github.com/craftvine/engine/internal/webhook"
)

const (
	testWebhookSecret = "test-webhook-secret-0123456789"
	testAdminSecret   = "test-admin-secret"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		WebhookSecret:   testWebhookSecret,
		ProviderName:    "hostfi",
		DefaultCurrency: "USDC",
		LockTimeout:     time.Second,
		SweepInterval:   time.Minute,
		RateLimitRPS:    1000,
		AdminSecret:     testAdminSecret,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(testConfig())
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// deliverWebhook signs and posts a provider payload the way HostFi would.
func deliverWebhook(t *testing.T, s *Server, event, eventID, amount, currency, status, customID string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(
		`{"event":%q,"id":%q,"data":{"amount":%s,"currency":%q,"status":%q,"customId":%q,"channelId":"ch_test"}}`,
		event, eventID, amount, currency, status, customID,
	)
	req := httptest.NewRequest("POST", "/webhooks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", webhook.NewVerifier(testWebhookSecret).Sign([]byte(body)))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func createWallet(t *testing.T, s *Server, userID string) string {
	t.Helper()
	w := doJSON(t, s, "POST", "/v1/wallets", gin.H{"userId": userID, "currency": "USDC"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Wallet struct {
			ID string `json:"id"`
		} `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Wallet.ID
}

func walletBalance(t *testing.T, s *Server, walletID string) string {
	t.Helper()
	w := doJSON(t, s, "GET", "/v1/wallets/"+walletID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Wallet struct {
			Balance string `json:"balance"`
		} `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Wallet.Balance
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = doJSON(t, s, "GET", "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run() is called.
	w = doJSON(t, s, "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = doJSON(t, s, "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "craftvine_")
}

// The full marketplace flow through the public surface: fund a client
// wallet by webhook, run a booking through its lifecycle with an escrow
// deposit, and release funds to the creator.
func TestBookingFlowEndToEnd(t *testing.T) {
	s := newTestServer(t)

	client := createWallet(t, s, "user-client")
	creator := createWallet(t, s, "user-creator")

	// Plain top-up: customId is the wallet ID.
	w := deliverWebhook(t, s, webhook.EventFiatDeposit, "evt_topup", "100.00", "USDC", "SUCCESS", client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "100.00", walletBalance(t, s, client))

	// Redelivery of the same event must not credit twice.
	w = deliverWebhook(t, s, webhook.EventFiatDeposit, "evt_topup", "100.00", "USDC", "SUCCESS", client)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100.00", walletBalance(t, s, client))

	// Create and accept a booking.
	w = doJSON(t, s, "POST", "/v1/bookings", gin.H{
		"clientWalletId":  client,
		"creatorWalletId": creator,
		"amount":          "40.00",
		"title":           "logo design",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Booking struct {
			ID string `json:"id"`
		} `json:"booking"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	bookingID := created.Booking.ID

	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Escrow deposit: customId is the booking ID. The credit lands on the
	// client wallet and is immediately moved into the hold.
	w = deliverWebhook(t, s, webhook.EventCryptoDeposit, "evt_escrow", "40.00", "USDC", "SUCCESS", bookingID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, s, "GET", "/v1/bookings/"+bookingID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"in_progress"`)
	assert.Contains(t, w.Body.String(), `"paid"`)
	assert.Equal(t, "100.00", walletBalance(t, s, client))

	// Complete and release.
	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/release-funds", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "40.00", walletBalance(t, s, creator))

	// Double release is rejected.
	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/release-funds", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMilestoneFlowEndToEnd(t *testing.T) {
	s := newTestServer(t)

	client := createWallet(t, s, "user-client")
	creator := createWallet(t, s, "user-creator")

	w := deliverWebhook(t, s, webhook.EventFiatDeposit, "evt_fund", "60.00", "USDC", "SUCCESS", client)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, "POST", "/v1/bookings", gin.H{
		"clientWalletId":  client,
		"creatorWalletId": creator,
		"amount":          "50.00",
		"title":           "site build",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Booking struct {
			ID string `json:"id"`
		} `json:"booking"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	bookingID := created.Booking.ID

	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = deliverWebhook(t, s, webhook.EventCryptoDeposit, "evt_ms_escrow", "50.00", "USDC", "SUCCESS", bookingID)
	require.Equal(t, http.StatusOK, w.Code)

	// Milestone: create, submit, approve, pay.
	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/milestones", gin.H{
		"title":  "wireframes",
		"amount": "20.00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ms struct {
		Milestone struct {
			ID string `json:"id"`
		} `json:"milestone"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ms))

	w = doJSON(t, s, "POST", "/v1/milestones/"+ms.Milestone.ID+"/submit", gin.H{
		"deliverables": []string{"https://cdn.example/wireframes.pdf"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, "POST", "/v1/milestones/"+ms.Milestone.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, "POST", "/v1/milestones/"+ms.Milestone.ID+"/pay", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "20.00", walletBalance(t, s, creator))

	// Final release moves whatever the milestones left behind.
	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, s, "POST", "/v1/bookings/"+bookingID+"/release-funds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "50.00", walletBalance(t, s, creator))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	body := `{"event":"fiat_deposit_received","id":"evt_x","data":{"amount":10,"currency":"USDC","status":"SUCCESS","customId":"wal_x","channelId":"ch"}}`
	req := httptest.NewRequest("POST", "/webhooks", bytes.NewBufferString(body))
	req.Header.Set("X-Signature", "deadbeef")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/admin/orphaned-holds", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/v1/admin/orphaned-holds", nil)
	req.Header.Set("X-Admin-Secret", testAdminSecret)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	cfg.AdminSecret = ""
	s, err := New(cfg)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/admin/orphaned-holds", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-from-lb")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-from-lb", w.Header().Get("X-Request-ID"))
}
