// Package provider defines the contract with the upstream tracking
// aggregation service. The aggregator is an opaque collaborator: it is asked
// to register tracking numbers and to return their current raw state; all
// interpretation happens on our side.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/pkg/errors"
)

// ErrUnavailable marks whole-batch failures (network, auth, upstream 5xx).
// The caller leaves the store untouched and retries on the next cycle.
var ErrUnavailable = errors.New("tracking provider unavailable")

// ErrQuotaExceeded marks the monthly registration quota being exhausted
// upstream.
var ErrQuotaExceeded = errors.New("tracking provider quota exceeded")

// ItemError is a per-tracking-number rejection inside an otherwise
// successful batch. It never fails the batch.
type ItemError struct {
	Number  string
	Code    int
	Message string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("provider item error for %s: %s (code %d)", e.Number, e.Message, e.Code)
}

// CodeItemNotFound is the aggregator's "number not found" rejection code.
const CodeItemNotFound = -18019909

// IsNotFound reports whether the rejection means the aggregator does not
// know the number (as opposed to a transient per-item failure).
func (e *ItemError) IsNotFound() bool {
	return e.Code == CodeItemNotFound || strings.Contains(strings.ToLower(e.Message), "not found")
}

// Event is one raw upstream tracking event.
type Event struct {
	Time        time.Time
	Description string
	Location    string
}

// TrackInfo is the raw per-number state returned by the aggregator. Status
// vocabulary is the provider's own; the coordinator normalizes it.
type TrackInfo struct {
	StatusCode    string
	SubStatusCode string
	Milestones    []string
	Events        []Event
	Location      string
	// Carrier is the aggregator-confirmed carrier, unknown when the
	// aggregator has not classified the number yet.
	Carrier models.Carrier
}

// ItemResult is either Info or Err, per tracking number in a batch.
type ItemResult struct {
	Info *TrackInfo
	Err  *ItemError
}

// Registration asks the aggregator to start following a number. Carrier is
// a hint; unknown lets the aggregator auto-detect.
type Registration struct {
	Number  string
	Carrier models.Carrier
}

// RegisterResult reports the per-number outcome. Registered is true for
// both fresh registrations and "already registered" rejections.
type RegisterResult struct {
	Number     string
	Registered bool
	Err        *ItemError
}

type Client interface {
	// Register submits new tracking numbers. Consumes monthly quota per
	// accepted number; already-registered numbers are reported as
	// Registered without consuming anything.
	Register(ctx context.Context, regs []Registration) ([]RegisterResult, error)

	// QueryBatch returns per-number results for a bounded batch. A missing
	// key means the provider silently dropped the number; callers treat
	// that as an item error.
	QueryBatch(ctx context.Context, numbers []string) (map[string]ItemResult, error)

	// StopTracking tells the aggregator to stop following a number.
	StopTracking(ctx context.Context, number string) error
}
