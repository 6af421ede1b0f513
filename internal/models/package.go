package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrPackageNotFound is returned by stores when a tracking number is not in
// the local state.
var ErrPackageNotFound = errors.New("package not found")

type PackageStatus string

// Закрытый набор внутренних статусов.
const (
	StatusOutForDelivery     PackageStatus = "out_for_delivery"
	StatusAvailableForPickup PackageStatus = "available_for_pickup"
	StatusException          PackageStatus = "exception"
	StatusDeliveryFailure    PackageStatus = "delivery_failure"
	StatusInTransit          PackageStatus = "in_transit"
	StatusInfoReceived       PackageStatus = "info_received"
	StatusNotFound           PackageStatus = "not_found"
	StatusUnknown            PackageStatus = "unknown"
	StatusExpired            PackageStatus = "expired"
	StatusDelivered          PackageStatus = "delivered"
)

// StatusDisplayOrder ranks statuses by operational priority for display,
// most urgent first. Not a chronological order.
var StatusDisplayOrder = []PackageStatus{
	StatusOutForDelivery,
	StatusAvailableForPickup,
	StatusException,
	StatusDeliveryFailure,
	StatusInTransit,
	StatusInfoReceived,
	StatusNotFound,
	StatusUnknown,
	StatusExpired,
	StatusDelivered,
}

func IsValidStatus(s PackageStatus) bool {
	for _, known := range StatusDisplayOrder {
		if s == known {
			return true
		}
	}
	return false
}

type Carrier string

const (
	CarrierChronopost Carrier = "chronopost"
	CarrierColissimo  Carrier = "colissimo"
	CarrierLaPoste    Carrier = "laposte"
	CarrierUPS        Carrier = "ups"
	CarrierAmazon     Carrier = "amazon"
	CarrierCainiao    Carrier = "cainiao"
	CarrierDHL        Carrier = "dhl"
	CarrierColisPrive Carrier = "colisprive"
	CarrierUnknown    Carrier = "unknown"
)

func IsValidCarrier(c Carrier) bool {
	switch c {
	case CarrierChronopost, CarrierColissimo, CarrierLaPoste, CarrierUPS,
		CarrierAmazon, CarrierCainiao, CarrierDHL, CarrierColisPrive, CarrierUnknown:
		return true
	}
	return false
}

type PackageSource string

const (
	SourceManual    PackageSource = "manual"
	SourceEmailAuto PackageSource = "email_auto"
)

type TrackingEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Location    string    `json:"location,omitempty"`
}

// DedupKey identifies an event within one package's history.
func (e TrackingEvent) DedupKey() string {
	return e.Timestamp.UTC().Format(time.RFC3339) + "|" + e.Description
}

type Package struct {
	TrackingNumber string        `json:"tracking_number"`
	Carrier        Carrier       `json:"carrier"`
	FriendlyName   string        `json:"friendly_name,omitempty"`
	Status         PackageStatus `json:"status"`
	InfoText       string        `json:"info_text,omitempty"`
	Location       string        `json:"location,omitempty"`
	// Events is ordered newest first and only ever grows.
	Events []TrackingEvent `json:"events,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	Source     PackageSource `json:"source"`
	Registered bool          `json:"registered"`

	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`
	LastOKAt       *time.Time `json:"last_ok_at,omitempty"`
	CheckFailCount int32      `json:"check_fail_count,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Package) DisplayName() string {
	if p.FriendlyName != "" {
		return p.FriendlyName
	}
	return p.TrackingNumber
}

type PackageCreateInput struct {
	TrackingNumber string
	Carrier        Carrier
	FriendlyName   string
	Source         PackageSource
}

// PackageUpdate is one reconciled poll result applied to the store.
// Error set means the provider failed for this number; the other fields
// are then ignored by the store.
type PackageUpdate struct {
	TrackingNumber string
	CheckedAt      time.Time

	Status   PackageStatus
	InfoText string
	Location string
	// Carrier is the provider-confirmed carrier; overrides only when the
	// stored carrier is unknown.
	Carrier Carrier
	Events  []TrackingEvent

	Error *string
}

// NormalizeTrackingNumber canonicalizes the identity key: trimmed,
// uppercased, inner whitespace removed.
func NormalizeTrackingNumber(n string) string {
	n = strings.ToUpper(strings.TrimSpace(n))
	return strings.Join(strings.Fields(n), "")
}
