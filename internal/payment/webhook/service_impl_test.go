package webhook_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/ledger/ledgertest"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/cryptomus"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	"github.com/smallbiznis/tokenledger/internal/payment/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const apiKey = "merchant-secret"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	ledger  ledgerdomain.Service
	payment paymentdomain.Service
}

func newFixture(t *testing.T, key string) fixture {
	t.Helper()

	db := ledgertest.NewDB(t)
	billing := ledgertest.DefaultBilling()
	ledger := ledgertest.NewService(t, db, ledgertest.Options{
		Billing: billing,
		Clock:   clock.NewFakeClock(t0),
	})
	svc, err := webhook.NewService(webhook.Params{
		Log: zap.NewNop(),
		Cfg: config.Config{
			Billing: billing,
			Payment: config.PaymentConfig{CryptomusAPIKey: key},
		},
		Ledger:   ledger,
		Adapters: adapters.NewRegistry(cryptomus.NewFactory()),
		Rates:    ledgertest.NewRatesHolder(t),
	})
	require.NoError(t, err)
	return fixture{db: db, ledger: ledger, payment: svc}
}

func signed(t *testing.T, body map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	sign, err := cryptomus.Sign(payload, apiKey)
	require.NoError(t, err)
	return payload, sign
}

func paidBody(paymentID, orderID string) map[string]any {
	return map[string]any{
		"type":     "payment",
		"uuid":     paymentID,
		"order_id": orderID,
		"status":   "paid",
		"amount":   "5.00",
		"currency": "USD",
	}
}

func TestPaidNotificationAppliesOnce(t *testing.T) {
	f := newFixture(t, apiKey)
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, "u1")
	require.NoError(t, err)

	payload, sign := signed(t, paidBody("pay-1", "user_u1_pkg_100k"))

	first, err := f.payment.ApplyPaymentNotification(ctx, payload, sign)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, first.Outcome)
	assert.Equal(t, "u1", first.UserID)
	assert.Equal(t, "100k", first.Package)
	require.NotNil(t, first.PaidUntil)
	assert.True(t, first.PaidUntil.Equal(t0.AddDate(0, 0, 30)), first.PaidUntil)

	second, err := f.payment.ApplyPaymentNotification(ctx, payload, sign)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAlreadyApplied, second.Outcome)

	account, err := f.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), account.LifetimeUnitsPurchased)
	assert.True(t, account.PaidUntil.Equal(t0.AddDate(0, 0, 30)))
	assert.Equal(t, int64(1), ledgertest.Count(t, f.db, "SELECT COUNT(*) FROM ledger_entries WHERE user_id = ?", "u1"))
	assert.Equal(t, int64(1), ledgertest.Count(t, f.db, "SELECT COUNT(*) FROM idempotency_records"))
	assert.Equal(t, int64(500), ledgertest.Count(t, f.db, "SELECT COALESCE(SUM(price_cents), 0) FROM ledger_entries"))
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t, apiKey)
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, "u2")
	require.NoError(t, err)

	payload, sign := signed(t, paidBody("pay-2", "user_u2_pkg_1m_n1"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.payment.ApplyPaymentNotification(ctx, payload, sign)
			if !assert.NoError(t, err) {
				return
			}
			if res.Outcome == paymentdomain.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	account, err := f.ledger.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.LifetimeUnitsPurchased)
}

func TestTamperedNotificationLeavesNoTrace(t *testing.T) {
	f := newFixture(t, apiKey)
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, "u3")
	require.NoError(t, err)

	_, sign := signed(t, paidBody("pay-3", "user_u3_pkg_100k"))
	tampered, err := json.Marshal(paidBody("pay-3", "user_u3_pkg_5m"))
	require.NoError(t, err)

	_, err = f.payment.ApplyPaymentNotification(ctx, tampered, sign)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	_, err = f.payment.ApplyPaymentNotification(ctx, tampered, "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	assert.Zero(t, ledgertest.Count(t, f.db, "SELECT COUNT(*) FROM ledger_entries"))
	assert.Zero(t, ledgertest.Count(t, f.db, "SELECT COUNT(*) FROM idempotency_records"))
	account, err := f.ledger.GetAccount(ctx, "u3")
	require.NoError(t, err)
	assert.Zero(t, account.LifetimeUnitsPurchased)
	assert.Nil(t, account.PaidUntil)
}

func TestNonPaidStatusesDoNotTouchLedger(t *testing.T) {
	f := newFixture(t, apiKey)
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, "u4")
	require.NoError(t, err)

	tests := []struct {
		status string
		want   paymentdomain.Outcome
	}{
		{status: "process", want: paymentdomain.OutcomePending},
		{status: "confirm_check", want: paymentdomain.OutcomePending},
		{status: "cancel", want: paymentdomain.OutcomeRejected},
		{status: "fail", want: paymentdomain.OutcomeRejected},
		{status: "wrong_amount", want: paymentdomain.OutcomeIgnored},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			body := paidBody("pay-"+tc.status, "user_u4_pkg_100k")
			body["status"] = tc.status
			payload, sign := signed(t, body)

			res, err := f.payment.ApplyPaymentNotification(ctx, payload, sign)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Outcome)
		})
	}

	assert.Zero(t, ledgertest.Count(t, f.db, "SELECT COUNT(*) FROM ledger_entries"))
	assert.Zero(t, ledgertest.Count(t, f.db, "SELECT COUNT(*) FROM idempotency_records"))
}

func TestPaidNotificationValidation(t *testing.T) {
	f := newFixture(t, apiKey)
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, "u5")
	require.NoError(t, err)

	payload, sign := signed(t, paidBody("pay-5", "user_u5_pkg_gold"))
	_, err = f.payment.ApplyPaymentNotification(ctx, payload, sign)
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownPackage)

	payload, sign = signed(t, paidBody("pay-6", "order-77"))
	_, err = f.payment.ApplyPaymentNotification(ctx, payload, sign)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidOrderID)

	payload, sign = signed(t, paidBody("pay-7", "user_ghost_pkg_100k"))
	_, err = f.payment.ApplyPaymentNotification(ctx, payload, sign)
	assert.ErrorIs(t, err, ledgerdomain.ErrUnknownAccount)

	_, err = f.payment.ApplyPaymentNotification(ctx, []byte("{"), sign)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	assert.Zero(t, ledgertest.Count(t, f.db, "SELECT COUNT(*) FROM idempotency_records"))
}

func TestDisabledWithoutAPIKey(t *testing.T) {
	f := newFixture(t, "")
	payload, sign := signed(t, paidBody("pay-8", "user_u8_pkg_100k"))

	_, err := f.payment.ApplyPaymentNotification(context.Background(), payload, sign)
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentsDisabled)
}

func TestPackagesCatalog(t *testing.T) {
	f := newFixture(t, apiKey)

	packages := f.payment.Packages()
	require.Len(t, packages, 4)
	assert.Equal(t, paymentdomain.Package{Name: "100k", Units: 100_000, PriceCents: 500}, packages[0])

	pkg, err := f.payment.FindPackage(" 5M ")
	require.NoError(t, err)
	assert.Equal(t, int64(15_000), pkg.PriceCents)

	_, err = f.payment.FindPackage("gold")
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownPackage)
}
