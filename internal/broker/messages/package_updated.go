package messages

import (
	"time"

	"github.com/ColisBox/ColisBox/internal/models"
)

// PackageUpdated is published to kafka after every applied reconciliation,
// manual mutation or removal. Presentation consumers (snapshot cache,
// dashboard feeds) key their state by TrackingNumber.
type PackageUpdated struct {
	TrackingNumber string    `json:"tracking_number"`
	CheckedAt      time.Time `json:"checked_at"`

	Carrier  models.Carrier       `json:"carrier,omitempty"`
	Status   models.PackageStatus `json:"status,omitempty"`
	InfoText string               `json:"info_text,omitempty"`
	Location string               `json:"location,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	Events []models.TrackingEvent `json:"events,omitempty"`

	// Removed marks explicit removal or auto-archive; the other fields then
	// describe the last known state.
	Removed bool `json:"removed,omitempty"`

	Error *string `json:"error,omitempty"`
}
