package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	dErrors "bankfisc/pkg/domain-errors"
)

// MinBalance is the floor a non-empty account must respect.
var MinBalance = decimal.RequireFromString("1000.00")

// maxClientIDLength bounds the external identifier (a CNP is 13 digits).
const maxClientIDLength = 64

// Currency identifies one of the two accounts every client holds.
type Currency string

const (
	CurrencyRON Currency = "RON"
	CurrencyEUR Currency = "EUR"
)

// ParseCurrency accepts RON or EUR in any case.
func ParseCurrency(raw string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidCurrency, "currency must be RON or EUR")
	}
	return c, nil
}

func (c Currency) IsValid() bool {
	return c == CurrencyRON || c == CurrencyEUR
}

func (c Currency) String() string {
	return string(c)
}

// Account is a single-currency balance owned by a Client.
type Account struct {
	Currency Currency
	Balance  decimal.Decimal
}

// Deposit adds amount to the balance. There is no upper bound.
func (a *Account) Deposit(amount decimal.Decimal) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	a.Balance = a.Balance.Add(amount)
	return nil
}

// Withdraw subtracts amount, leaving the account either exactly empty or at
// or above MinBalance.
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	next := a.Balance.Sub(amount)
	if next.IsNegative() {
		return dErrors.New(dErrors.CodeOverdraft, "account balance cannot go below 0")
	}
	if next.IsPositive() && next.LessThan(MinBalance) {
		return dErrors.New(dErrors.CodeBelowMinimum,
			"account balance cannot go below "+MinBalance.StringFixed(2)+" except for account closure")
	}
	a.Balance = next
	return nil
}

// ValidateAmount rejects zero and negative amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return dErrors.New(dErrors.CodeInvalidAmount, "amount must be positive")
	}
	return nil
}

// SatisfiesMinimum reports whether balance respects the ledger invariant.
func SatisfiesMinimum(balance decimal.Decimal) bool {
	return balance.IsZero() || balance.GreaterThanOrEqual(MinBalance)
}

// Client owns exactly one RON and one EUR account. Version increases on
// every committed balance mutation and orders change notifications.
type Client struct {
	ID        string
	RON       Account
	EUR       Account
	Monitored bool
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewClient opens both accounts at zero.
func NewClient(id string, now time.Time) *Client {
	return &Client{
		ID:        id,
		RON:       Account{Currency: CurrencyRON, Balance: decimal.Zero},
		EUR:       Account{Currency: CurrencyEUR, Balance: decimal.Zero},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Epoch identifies one lifetime of the client id. Closing and reopening an
// id yields a new epoch, so versions are only comparable within one epoch.
func (c *Client) Epoch() int64 {
	return c.CreatedAt.UnixMicro()
}

// Account returns the account for the given currency.
func (c *Client) Account(currency Currency) *Account {
	if currency == CurrencyEUR {
		return &c.EUR
	}
	return &c.RON
}

// IsEmpty reports whether both balances are exactly zero.
func (c *Client) IsEmpty() bool {
	return c.RON.Balance.IsZero() && c.EUR.Balance.IsZero()
}

// ZeroBalances empties both accounts, bypassing the minimum-balance rule.
func (c *Client) ZeroBalances() {
	c.RON.Balance = decimal.Zero
	c.EUR.Balance = decimal.Zero
}

// ValidateClientID trims and checks an external client identifier.
func ValidateClientID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "client id is required")
	}
	if len(id) > maxClientIDLength {
		return "", dErrors.New(dErrors.CodeBadRequest, "client id is too long")
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return "", dErrors.New(dErrors.CodeBadRequest, "client id must not contain whitespace")
	}
	return id, nil
}
