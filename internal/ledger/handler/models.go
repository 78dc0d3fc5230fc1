package handler

import (
	"time"

	"bankfisc/internal/ledger/models"
)

type clientResponse struct {
	ClientID   string    `json:"cnp"`
	RONBalance string    `json:"ronBalance"`
	EURBalance string    `json:"euroBalance"`
	Monitored  bool      `json:"monitored"`
	Version    uint64    `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type closeResponse struct {
	ClientID string `json:"cnp"`
	Closed   bool   `json:"closed"`
}

func toClientResponse(c *models.Client) clientResponse {
	return clientResponse{
		ClientID:   c.ID,
		RONBalance: c.RON.Balance.StringFixed(2),
		EURBalance: c.EUR.Balance.StringFixed(2),
		Monitored:  c.Monitored,
		Version:    c.Version,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}
