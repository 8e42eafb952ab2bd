package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/ledger/ledgertest"
	"github.com/smallbiznis/tokenledger/internal/observability"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/cryptomus"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	"github.com/smallbiznis/tokenledger/internal/payment/webhook"
	"github.com/smallbiznis/tokenledger/internal/rate"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	tenantservice "github.com/smallbiznis/tokenledger/internal/tenant/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAPIKey = "merchant-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	engine *gin.Engine
	ledger ledgerdomain.Service
}

func newTestServer(t *testing.T, limiter *ratelimit.UsageLimiter) testServer {
	t.Helper()

	log := zap.NewNop()
	db := ledgertest.NewDB(t)
	billing := ledgertest.DefaultBilling()
	ledger := ledgertest.NewService(t, db, ledgertest.Options{
		Billing: billing,
		Clock:   clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})

	cfg := config.Config{
		Billing: billing,
		Payment: config.PaymentConfig{CryptomusAPIKey: testAPIKey},
		Tenant:  config.TenantConfig{BasePath: t.TempDir()},
	}

	holder := ledgertest.NewRatesHolder(t)
	rates, err := rate.NewSource(holder)
	require.NoError(t, err)

	payments, err := webhook.NewService(webhook.Params{
		Log:      log,
		Cfg:      cfg,
		Ledger:   ledger,
		Adapters: adapters.NewRegistry(cryptomus.NewFactory()),
		Rates:    holder,
	})
	require.NoError(t, err)

	tenants, err := tenantservice.NewDirectory(tenantservice.Params{Cfg: cfg, Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tenants.Close() })

	engine := NewEngine(log, observability.Config{Environment: "test"}, nil)
	NewServer(ServerParams{
		Gin:          engine,
		Cfg:          cfg,
		Log:          log,
		LedgerSvc:    ledger,
		PaymentSvc:   payments,
		Tenants:      tenants,
		Rates:        rates,
		UsageLimiter: limiter,
	})

	return testServer{engine: engine, ledger: ledger}
}

func (s testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	data, ok := decode(t, rec)["data"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	payload, ok := decode(t, rec)["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	if errs, ok := payload["errors"].([]any); ok && len(errs) > 0 {
		return errs[0].(map[string]any)["code"].(string)
	}
	return payload["type"].(string)
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/internal/accounts", gin.H{"user_id": "u1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	account := dataOf(t, rec)
	assert.Equal(t, "trial", account["status"])
	assert.EqualValues(t, config.DefaultTrialUnitsLimit, account["trial_remaining"])

	rec = s.do(t, http.MethodGet, "/internal/accounts/u1/access", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, dataOf(t, rec)["allowed"])

	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/usage", gin.H{
		"provider":     "openai",
		"model":        "gpt-4o-mini",
		"input_units":  1000,
		"output_units": 500,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, -1500, dataOf(t, rec)["amount"])

	rec = s.do(t, http.MethodGet, "/internal/accounts/u1/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1500, dataOf(t, rec)["total_units_used"])

	rec = s.do(t, http.MethodGet, "/internal/accounts/u1/entries?filter=usage", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := dataOf(t, rec)["entries"].([]any)
	assert.Len(t, entries, 1)

	rec = s.do(t, http.MethodDelete, "/internal/accounts/u1", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/internal/accounts/u1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckAccessUnknownAccountIsADecision(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/internal/accounts/ghost/access", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, string(ledgerdomain.AccessUnknownAccount), data["result"])
	assert.Equal(t, false, data["allowed"])
}

func TestAccountValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/internal/accounts", gin.H{"user_id": "u1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/credits", gin.H{
		"units":              0,
		"external_reference": "manual:1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_units", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/usage", gin.H{
		"provider":    "openai",
		"model":       "no-such-model",
		"input_units": 10,
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/subscription", []byte("{"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/internal/accounts/u1/entries?page_size=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_page_size", errorCode(t, rec))
}

func TestAddTokensIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/internal/accounts", gin.H{"user_id": "u1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := gin.H{"units": 5000, "price_cents": 100, "external_reference": "manual:42"}
	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/credits", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, dataOf(t, rec)["applied"])

	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/credits", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, dataOf(t, rec)["applied"])
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/internal/accounts", gin.H{"user_id": "u1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload, err := json.Marshal(map[string]any{
		"uuid":     "pay-1",
		"order_id": paymentdomain.OrderID{UserID: "u1", Package: "100k"}.String(),
		"status":   "paid",
		"amount":   "5.00",
		"currency": "USD",
	})
	require.NoError(t, err)
	sign, err := cryptomus.Sign(payload, testAPIKey)
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/api/payment/webhook", payload, map[string]string{signatureHeader: sign})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(paymentdomain.OutcomeApplied), decode(t, rec)["status"])

	rec = s.do(t, http.MethodPost, "/api/payment/webhook", payload, map[string]string{signatureHeader: sign})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(paymentdomain.OutcomeAlreadyApplied), decode(t, rec)["status"])

	tampered := bytes.Replace(payload, []byte("100k"), []byte("5m"), 1)
	rec = s.do(t, http.MethodPost, "/api/payment/webhook", tampered, map[string]string{signatureHeader: sign})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/internal/accounts/u1/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, dataOf(t, rec)["purchase_entries"])
}

func TestPaymentWebhookRejectsOversizedBody(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/internal/accounts", gin.H{"user_id": "u1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	payload, err := json.Marshal(map[string]any{
		"uuid":     "pay-big",
		"order_id": paymentdomain.OrderID{UserID: "u1", Package: "100k"}.String(),
		"status":   "paid",
		"amount":   "5.00",
		"currency": "USD",
		"padding":  strings.Repeat("x", maxWebhookBody),
	})
	require.NoError(t, err)
	sign, err := cryptomus.Sign(payload, testAPIKey)
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/api/payment/webhook", payload, map[string]string{signatureHeader: sign})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/internal/accounts/u1/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, dataOf(t, rec)["purchase_entries"])
}

func TestListPackagesAndRates(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/payment/packages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	packages := decode(t, rec)["data"].([]any)
	assert.NotEmpty(t, packages)

	rec = s.do(t, http.MethodGet, "/internal/rates", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rates := decode(t, rec)["data"].([]any)
	require.Len(t, rates, 3)
	assert.Equal(t, "anthropic", rates[0].(map[string]any)["provider"])
}

func TestTenantRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/internal/tenants/u1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/internal/tenants/u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "u1", dataOf(t, rec)["user_id"])

	rec = s.do(t, http.MethodGet, "/internal/tenants/u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/internal/tenants", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"u1"}, decode(t, rec)["data"])

	rec = s.do(t, http.MethodPost, "/internal/tenants/a:b", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/internal/tenants/u1", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/internal/tenants/u1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.NewUsageLimiter(config.Config{RateLimit: config.RateLimitConfig{
		UsageRate:  0.001,
		UsageBurst: 1,
	}}, client)
	require.NoError(t, err)

	s := newTestServer(t, limiter)
	rec := s.do(t, http.MethodPost, "/internal/accounts", gin.H{"user_id": "u1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	usage := gin.H{"provider": "groq", "model": "free-model", "input_units": 1}
	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/usage", usage, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/internal/accounts/u1/usage", usage, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, rateLimitReasonUserRate, rec.Header().Get("X-Rate-Limited-Reason"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	summary, err := s.ledger.Summary(t.Context(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.UsageEntries)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{paymentdomain.ErrInvalidSignature, http.StatusUnauthorized},
		{ledgerdomain.ErrUnknownAccount, http.StatusNotFound},
		{fmt.Errorf("lookup: %w", rate.ErrUnknownRate), http.StatusUnprocessableEntity},
		{ledgerdomain.ErrInvalidDays, http.StatusBadRequest},
		{paymentdomain.ErrUnknownPackage, http.StatusBadRequest},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{ledgerdomain.ErrStorageTimeout, http.StatusServiceUnavailable},
		{paymentdomain.ErrPaymentsDisabled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
