package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "bankfisc/pkg/domain-errors"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// TestAccountWithdraw_Invariants validates the balance invariant:
// "balance == 0 OR balance >= 1000.00" after any successful withdrawal.
func TestAccountWithdraw_Invariants(t *testing.T) {
	tests := []struct {
		name     string
		balance  string
		amount   string
		wantCode dErrors.Code
		want     string
	}{
		{name: "withdraw to exactly zero", balance: "2000.00", amount: "2000.00", want: "0"},
		{name: "withdraw to exactly minimum", balance: "2000.00", amount: "1000.00", want: "1000.00"},
		{name: "withdraw leaving above minimum", balance: "2000.00", amount: "300.00", want: "1700.00"},
		{name: "withdraw into forbidden band", balance: "2000.00", amount: "1100.00", wantCode: dErrors.CodeBelowMinimum},
		{name: "withdraw leaving one cent", balance: "2000.00", amount: "1999.99", wantCode: dErrors.CodeBelowMinimum},
		{name: "withdraw more than balance", balance: "500.00", amount: "500.01", wantCode: dErrors.CodeOverdraft},
		{name: "withdraw from empty account", balance: "0", amount: "1", wantCode: dErrors.CodeOverdraft},
		{name: "zero amount", balance: "2000.00", amount: "0", wantCode: dErrors.CodeInvalidAmount},
		{name: "negative amount", balance: "2000.00", amount: "-5", wantCode: dErrors.CodeInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := Account{Currency: CurrencyEUR, Balance: dec(tt.balance)}
			err := acct.Withdraw(dec(tt.amount))
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, tt.wantCode), "got %v", err)
				assert.True(t, acct.Balance.Equal(dec(tt.balance)), "balance must be unchanged on failure")
				return
			}
			require.NoError(t, err)
			assert.True(t, acct.Balance.Equal(dec(tt.want)), "got %s", acct.Balance)
			assert.True(t, SatisfiesMinimum(acct.Balance))
		})
	}
}

func TestAccountDeposit(t *testing.T) {
	t.Run("adds without upper bound", func(t *testing.T) {
		acct := Account{Currency: CurrencyRON, Balance: dec("2000.00")}
		require.NoError(t, acct.Deposit(dec("999999999999.99")))
		assert.True(t, acct.Balance.Equal(dec("1000000001999.99")))
	})

	t.Run("keeps arbitrary precision", func(t *testing.T) {
		acct := Account{Currency: CurrencyRON, Balance: decimal.Zero}
		require.NoError(t, acct.Deposit(dec("0.001")))
		assert.Equal(t, "0.001", acct.Balance.String())
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		acct := Account{Currency: CurrencyRON, Balance: decimal.Zero}
		err := acct.Deposit(decimal.Zero)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidAmount))
	})
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency("eur")
	require.NoError(t, err)
	assert.Equal(t, CurrencyEUR, c)

	c, err = ParseCurrency(" RON ")
	require.NoError(t, err)
	assert.Equal(t, CurrencyRON, c)

	_, err = ParseCurrency("USD")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidCurrency))
}

func TestClient(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewClient("1850101123456", now)

	assert.True(t, c.IsEmpty())
	assert.False(t, c.Monitored)
	assert.Equal(t, CurrencyEUR, c.Account(CurrencyEUR).Currency)

	require.NoError(t, c.Account(CurrencyRON).Deposit(dec("500.00")))
	assert.False(t, c.IsEmpty())
	assert.True(t, c.RON.Balance.Equal(dec("500")))

	c.ZeroBalances()
	assert.True(t, c.IsEmpty())

	reopened := NewClient(c.ID, now.Add(time.Second))
	assert.Equal(t, now.UnixMicro(), c.Epoch())
	assert.NotEqual(t, c.Epoch(), reopened.Epoch(), "a reopened id starts a new epoch")
}

func TestValidateClientID(t *testing.T) {
	id, err := ValidateClientID("  1850101123456 ")
	require.NoError(t, err)
	assert.Equal(t, "1850101123456", id)

	for _, raw := range []string{"", "   ", "18501 01123456"} {
		_, err := ValidateClientID(raw)
		require.Error(t, err, raw)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	}
}
