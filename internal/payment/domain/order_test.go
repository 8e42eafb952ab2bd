package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want OrderID
	}{
		{name: "plain", raw: "user_42_pkg_100k", want: OrderID{UserID: "42", Package: "100k"}},
		{name: "with nonce", raw: "user_42_pkg_1m_a1b2", want: OrderID{UserID: "42", Package: "1m", Nonce: "a1b2"}},
		{name: "underscored user", raw: "user_google_abc_pkg_5m", want: OrderID{UserID: "google_abc", Package: "5m"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseOrderID(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			if tc.want.Nonce == "" {
				assert.Equal(t, tc.raw, got.String())
			}
		})
	}
}

func TestParseOrderIDRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "order_1", "user__pkg_100k", "user_42_pkg_", "user_42_100k", "pkg_100k"} {
		_, err := ParseOrderID(raw)
		assert.ErrorIs(t, err, ErrInvalidOrderID, raw)
	}
}

func TestStatusClassify(t *testing.T) {
	assert.Equal(t, OutcomeApplied, ParseStatus("paid").Classify())
	assert.Equal(t, OutcomeApplied, ParseStatus("PAID_OVER").Classify())
	assert.Equal(t, OutcomePending, ParseStatus("confirm_check").Classify())
	assert.Equal(t, OutcomePending, ParseStatus("process").Classify())
	assert.Equal(t, OutcomeRejected, ParseStatus("cancel").Classify())
	assert.Equal(t, OutcomeRejected, ParseStatus("failed").Classify())
	assert.Equal(t, OutcomeIgnored, ParseStatus("wrong_amount").Classify())
	assert.Equal(t, OutcomeIgnored, ParseStatus("refund_paid").Classify())
}

func TestExternalReference(t *testing.T) {
	n := &Notification{Provider: "cryptomus", PaymentID: "uuid-1", OrderID: "user_1_pkg_1m"}
	assert.Equal(t, "cryptomus:uuid-1", n.ExternalReference())

	n.PaymentID = " "
	assert.Equal(t, "cryptomus:order:user_1_pkg_1m", n.ExternalReference())
}
