package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the registry's view of one monitored client. Balances are
// updated only through change notifications; the per-currency versions record
// the newest notification applied to each side. Epoch is the lifetime of the
// ledger client the entry was seeded from.
type Snapshot struct {
	ClientID       string          `json:"cnp"`
	RONBalance     decimal.Decimal `json:"ronBalance"`
	EURBalance     decimal.Decimal `json:"euroBalance"`
	RONVersion     uint64          `json:"ronVersion"`
	EURVersion     uint64          `json:"euroVersion"`
	Epoch          int64           `json:"epoch"`
	MonitoredSince time.Time       `json:"monitoredSince"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
