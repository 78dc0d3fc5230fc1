package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceChange carries the post-mutation balances of a monitored client and
// which of the two currencies actually moved. It is a value: once built it
// shares nothing with the ledger.
type BalanceChange struct {
	EventID    uuid.UUID       `json:"eventId"`
	ClientID   string          `json:"cnp"`
	RONBalance decimal.Decimal `json:"ronBalance"`
	EURBalance decimal.Decimal `json:"euroBalance"`
	RONChanged bool            `json:"ronChanged"`
	EURChanged bool            `json:"euroChanged"`
	Version    uint64          `json:"version,omitempty"`
	Epoch      int64           `json:"epoch,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewBalanceChange compares previous and current balances. ok is false when
// neither currency changed and nothing should be sent. version and epoch
// locate the mutation within the client's lifetime.
func NewBalanceChange(clientID string, prevRON, prevEUR, curRON, curEUR decimal.Decimal, version uint64, epoch int64, now time.Time) (BalanceChange, bool) {
	n := BalanceChange{
		EventID:    uuid.New(),
		ClientID:   clientID,
		RONBalance: curRON,
		EURBalance: curEUR,
		RONChanged: !prevRON.Equal(curRON),
		EURChanged: !prevEUR.Equal(curEUR),
		Version:    version,
		Epoch:      epoch,
		OccurredAt: now,
	}
	return n, n.RONChanged || n.EURChanged
}

// Encode serializes n for the message channel.
func (n BalanceChange) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// Decode parses a channel payload. A payload without a client id or without
// any changed flag is rejected as malformed.
func Decode(body []byte) (BalanceChange, error) {
	var n BalanceChange
	if err := json.Unmarshal(body, &n); err != nil {
		return BalanceChange{}, fmt.Errorf("decode balance change: %w", err)
	}
	if n.ClientID == "" {
		return BalanceChange{}, fmt.Errorf("decode balance change: missing client id")
	}
	if !n.RONChanged && !n.EURChanged {
		return BalanceChange{}, fmt.Errorf("decode balance change: no currency flagged as changed")
	}
	return n, nil
}
