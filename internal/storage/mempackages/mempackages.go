// Package mempackages is the in-memory package store. It carries the same
// merge contract as the Postgres store and backs standalone runs and tests.
package mempackages

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ColisBox/ColisBox/internal/models"
)

type Store struct {
	mu   sync.Mutex
	pkgs map[string]*models.Package

	now func() time.Time
}

func New() *Store {
	return &Store{
		pkgs: make(map[string]*models.Package),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a package or merges metadata into an existing one.
// Re-adding an existing number is idempotent: identity and provenance are
// never touched, carrier fills in only over unknown, friendly name only
// when missing.
func (s *Store) Create(ctx context.Context, in models.PackageCreateInput) (*models.Package, bool, error) {
	number := models.NormalizeTrackingNumber(in.TrackingNumber)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pkgs[number]; ok {
		if p.Carrier == models.CarrierUnknown && in.Carrier != "" && in.Carrier != models.CarrierUnknown {
			p.Carrier = in.Carrier
		}
		if p.FriendlyName == "" && in.FriendlyName != "" {
			p.FriendlyName = in.FriendlyName
		}
		p.UpdatedAt = s.now()
		return clone(p), false, nil
	}

	carrier := in.Carrier
	if carrier == "" {
		carrier = models.CarrierUnknown
	}
	source := in.Source
	if source == "" {
		source = models.SourceManual
	}
	now := s.now()
	p := &models.Package{
		TrackingNumber: number,
		Carrier:        carrier,
		FriendlyName:   in.FriendlyName,
		Status:         models.StatusUnknown,
		Source:         source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.pkgs[number] = p
	return clone(p), true, nil
}

func (s *Store) Get(ctx context.Context, trackingNumber string) (*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pkgs[models.NormalizeTrackingNumber(trackingNumber)]
	if !ok {
		return nil, models.ErrPackageNotFound
	}
	return clone(p), nil
}

// ApplyUpdate merges one reconciled poll result. Unknown tracking numbers
// are ignored (the package may have been removed while the poll was in
// flight). The merge is idempotent: applying the same update twice leaves
// the record unchanged.
func (s *Store) ApplyUpdate(ctx context.Context, upd models.PackageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pkgs[models.NormalizeTrackingNumber(upd.TrackingNumber)]
	if !ok {
		return nil
	}

	checkedAt := upd.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = s.now()
	}
	p.LastCheckedAt = &checkedAt
	p.UpdatedAt = checkedAt

	if upd.Error != nil {
		p.CheckFailCount++
		p.LastError = upd.Error
		// Never erase a previously resolved state on a transient upstream
		// hiccup; only a never-resolved package takes the error status.
		if p.LastOKAt == nil && upd.Status != "" {
			p.Status = upd.Status
		}
		return nil
	}

	p.LastOKAt = &checkedAt
	p.CheckFailCount = 0
	p.LastError = nil

	if upd.Status != "" {
		p.Status = upd.Status
	}
	p.InfoText = upd.InfoText
	p.Location = upd.Location

	if p.Carrier == models.CarrierUnknown && upd.Carrier != "" && upd.Carrier != models.CarrierUnknown {
		p.Carrier = upd.Carrier
	}

	p.Events = mergeEvents(p.Events, upd.Events)

	// delivered_at is monotonic: set exactly once, on the first transition
	// to delivered, and never changed by later polls.
	if p.Status == models.StatusDelivered && p.DeliveredAt == nil {
		p.DeliveredAt = &checkedAt
	}

	return nil
}

func (s *Store) MarkRegistered(ctx context.Context, numbers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range numbers {
		if p, ok := s.pkgs[models.NormalizeTrackingNumber(n)]; ok {
			p.Registered = true
		}
	}
	return nil
}

// Remove deletes a package and returns its last state, nil when absent.
func (s *Store) Remove(ctx context.Context, trackingNumber string) (*models.Package, error) {
	number := models.NormalizeTrackingNumber(trackingNumber)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pkgs[number]
	if !ok {
		return nil, nil
	}
	delete(s.pkgs, number)
	return p, nil
}

func (s *Store) List(ctx context.Context) ([]*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Package, 0, len(s.pkgs))
	for _, p := range s.pkgs {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackingNumber < out[j].TrackingNumber })
	return out, nil
}

func (s *Store) ListByStatus(ctx context.Context, status models.PackageStatus) ([]*models.Package, error) {
	all, _ := s.List(ctx)
	out := all[:0]
	for _, p := range all {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

// mergeEvents is a union on the (timestamp, description) dedup key, newest
// first. Existing events are never dropped.
func mergeEvents(existing, incoming []models.TrackingEvent) []models.TrackingEvent {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]models.TrackingEvent, 0, len(existing)+len(incoming))
	for _, e := range existing {
		k := e.DedupKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	for _, e := range incoming {
		k := e.DedupKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func clone(p *models.Package) *models.Package {
	cp := *p
	cp.Events = append([]models.TrackingEvent(nil), p.Events...)
	if p.DeliveredAt != nil {
		t := *p.DeliveredAt
		cp.DeliveredAt = &t
	}
	if p.LastCheckedAt != nil {
		t := *p.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	if p.LastOKAt != nil {
		t := *p.LastOKAt
		cp.LastOKAt = &t
	}
	if p.LastError != nil {
		e := *p.LastError
		cp.LastError = &e
	}
	return &cp
}
