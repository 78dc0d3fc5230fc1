package handler

import (
	"time"

	"bankfisc/internal/monitoring/models"
)

type monitorResponse struct {
	ClientID  string `json:"cnp"`
	Monitored bool   `json:"monitored"`
}

type snapshotResponse struct {
	ClientID       string    `json:"cnp"`
	RONBalance     string    `json:"ronBalance"`
	EURBalance     string    `json:"euroBalance"`
	MonitoredSince time.Time `json:"monitoredSince"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type listResponse struct {
	Clients []snapshotResponse `json:"clients"`
}

func toSnapshotResponse(s models.Snapshot) snapshotResponse {
	return snapshotResponse{
		ClientID:       s.ClientID,
		RONBalance:     s.RONBalance.StringFixed(2),
		EURBalance:     s.EURBalance.StringFixed(2),
		MonitoredSince: s.MonitoredSince,
		UpdatedAt:      s.UpdatedAt,
	}
}
