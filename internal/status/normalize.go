// Package status maps provider status vocabularies into the internal
// package status enum. Normalize is pure and total: unmapped input yields
// StatusUnknown, never an error.
package status

import (
	"strings"

	"github.com/ColisBox/ColisBox/internal/models"
)

// Main provider status codes (17track v2.2 vocabulary plus the legacy
// "PickedUp" family some carriers still report).
var codeMap = map[string]models.PackageStatus{
	"notfound":           models.StatusNotFound,
	"inforeceived":       models.StatusInfoReceived,
	"intransit":          models.StatusInTransit,
	"pickedup":           models.StatusInTransit,
	"departure":          models.StatusInTransit,
	"arrival":            models.StatusInTransit,
	"expired":            models.StatusExpired,
	"availableforpickup": models.StatusAvailableForPickup,
	"outfordelivery":     models.StatusOutForDelivery,
	"deliveryfailure":    models.StatusDeliveryFailure,
	"delivered":          models.StatusDelivered,
	"exception":          models.StatusException,
	"undelivered":        models.StatusDeliveryFailure,
	"returned":           models.StatusException,
}

// Substatus overrides: a substatus that signals a failure class wins over a
// transit-class main code reported in the same update.
var subStatusMap = map[string]models.PackageStatus{
	"intransit_customsprocessing": models.StatusInTransit,
	"intransit_arrival":           models.StatusInTransit,
	"exception_returning":         models.StatusException,
	"exception_returned":          models.StatusException,
	"exception_lost":              models.StatusException,
	"exception_destroyed":         models.StatusException,
	"deliveryfailure_noaccess":    models.StatusDeliveryFailure,
	"deliveryfailure_rejected":    models.StatusDeliveryFailure,
	"deliveryfailure_addressissue": models.StatusDeliveryFailure,
	"availableforpickup_atfacility": models.StatusAvailableForPickup,
	"delivered_signed":            models.StatusDelivered,
	"delivered_other":             models.StatusDelivered,
}

// MilestoneDelivered is the terminal milestone flag; it always wins over any
// simultaneously reported transient status.
const MilestoneDelivered = "delivered"

func isFailure(s models.PackageStatus) bool {
	return s == models.StatusException || s == models.StatusDeliveryFailure
}

// Normalize maps a provider (status code, substatus, milestone flags) triple
// into exactly one internal status.
func Normalize(code, subStatus string, milestones []string) models.PackageStatus {
	for _, m := range milestones {
		if strings.EqualFold(strings.TrimSpace(m), MilestoneDelivered) {
			return models.StatusDelivered
		}
	}

	main, mainOK := codeMap[canon(code)]
	sub, subOK := subStatusMap[canon(subStatus)]

	if subOK && sub == models.StatusDelivered {
		return models.StatusDelivered
	}
	// Failure signal in the substatus is not masked by a stale transit code.
	if subOK && isFailure(sub) {
		return sub
	}
	if mainOK {
		if isFailure(main) {
			return main
		}
		if subOK {
			return sub
		}
		return main
	}
	if subOK {
		return sub
	}

	// Best effort for unmapped substatuses of a known family, e.g.
	// "PickedUp_001": classify by the part before the underscore.
	if subStatus != "" {
		family, _, _ := strings.Cut(canon(subStatus), "_")
		if s, ok := codeMap[family]; ok {
			return s
		}
	}

	return models.StatusUnknown
}

func canon(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
