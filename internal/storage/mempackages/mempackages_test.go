package mempackages

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestCreate_IdempotentWithMetadataMerge(t *testing.T) {
	s := New()
	ctx := context.Background()

	p, created, err := s.Create(ctx, models.PackageCreateInput{
		TrackingNumber: " xx123456789fr ",
		Source:         models.SourceManual,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "XX123456789FR", p.TrackingNumber)
	require.Equal(t, models.CarrierUnknown, p.Carrier)
	require.Equal(t, models.StatusUnknown, p.Status)

	// Re-add with metadata: merged, not duplicated, provenance untouched.
	p2, created, err := s.Create(ctx, models.PackageCreateInput{
		TrackingNumber: "XX123456789FR",
		Carrier:        models.CarrierChronopost,
		FriendlyName:   "Chaussures",
		Source:         models.SourceEmailAuto,
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, models.CarrierChronopost, p2.Carrier)
	require.Equal(t, "Chaussures", p2.FriendlyName)
	require.Equal(t, models.SourceManual, p2.Source)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestCreate_UserCarrierNotOverwrittenByMerge(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _, err := s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N1", Carrier: models.CarrierUPS})
	require.NoError(t, err)

	p, _, err := s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N1", Carrier: models.CarrierDHL})
	require.NoError(t, err)
	require.Equal(t, models.CarrierUPS, p.Carrier)
}

func okUpdate(number string, at time.Time, st models.PackageStatus, events ...models.TrackingEvent) models.PackageUpdate {
	return models.PackageUpdate{
		TrackingNumber: number,
		CheckedAt:      at,
		Status:         st,
		InfoText:       "info",
		Location:       "Paris",
		Events:         events,
	}
}

func TestApplyUpdate_IdempotentEventUnion(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, err := s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N1"})
	require.NoError(t, err)

	t0 := time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(2 * time.Hour)
	ev0 := models.TrackingEvent{Timestamp: t0, Description: "Pris en charge", Location: "Paris"}
	ev1 := models.TrackingEvent{Timestamp: t1, Description: "En transit", Location: "Lyon"}

	upd := okUpdate("N1", t1, models.StatusInTransit, ev1, ev0)
	require.NoError(t, s.ApplyUpdate(ctx, upd))
	require.NoError(t, s.ApplyUpdate(ctx, upd)) // same update twice

	p, err := s.Get(ctx, "N1")
	require.NoError(t, err)
	require.Equal(t, models.StatusInTransit, p.Status)
	require.Len(t, p.Events, 2)
	// Newest first.
	require.Equal(t, "En transit", p.Events[0].Description)
	require.NotNil(t, p.LastOKAt)
	require.Zero(t, p.CheckFailCount)
}

func TestApplyUpdate_DeliveredAtMonotonic(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, err := s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N1"})
	require.NoError(t, err)

	t0 := time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.ApplyUpdate(ctx, okUpdate("N1", t0, models.StatusDelivered)))

	p, _ := s.Get(ctx, "N1")
	require.NotNil(t, p.DeliveredAt)
	first := *p.DeliveredAt

	// A later poll reporting another terminal status updates status but not
	// the already-set delivered_at.
	require.NoError(t, s.ApplyUpdate(ctx, okUpdate("N1", t0.Add(time.Hour), models.StatusException)))
	require.NoError(t, s.ApplyUpdate(ctx, okUpdate("N1", t0.Add(2*time.Hour), models.StatusDelivered)))

	p, _ = s.Get(ctx, "N1")
	require.Equal(t, models.StatusDelivered, p.Status)
	require.Equal(t, first, *p.DeliveredAt)
}

func TestApplyUpdate_ErrorKeepsLastGoodState(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, err := s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N1"})
	require.NoError(t, err)

	errMsg := "not found"

	// Never resolved: error status applies.
	require.NoError(t, s.ApplyUpdate(ctx, models.PackageUpdate{
		TrackingNumber: "N1", CheckedAt: time.Now().UTC(),
		Status: models.StatusNotFound, Error: &errMsg,
	}))
	p, _ := s.Get(ctx, "N1")
	require.Equal(t, models.StatusNotFound, p.Status)
	require.Equal(t, int32(1), p.CheckFailCount)
	require.NotNil(t, p.LastError)

	// Resolve once, then fail again: the good state is retained.
	t0 := time.Now().UTC()
	require.NoError(t, s.ApplyUpdate(ctx, okUpdate("N1", t0, models.StatusInTransit,
		models.TrackingEvent{Timestamp: t0, Description: "En transit"})))
	require.NoError(t, s.ApplyUpdate(ctx, models.PackageUpdate{
		TrackingNumber: "N1", CheckedAt: t0.Add(time.Minute),
		Status: models.StatusUnknown, Error: &errMsg,
	}))
	p, _ = s.Get(ctx, "N1")
	require.Equal(t, models.StatusInTransit, p.Status)
	require.Len(t, p.Events, 1)
	require.Equal(t, int32(1), p.CheckFailCount)
}

func TestApplyUpdate_CarrierConfirmationRules(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Unknown local carrier takes the provider-confirmed one.
	_, _, _ = s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N1"})
	require.NoError(t, s.ApplyUpdate(ctx, models.PackageUpdate{
		TrackingNumber: "N1", CheckedAt: time.Now().UTC(),
		Status: models.StatusInTransit, Carrier: models.CarrierColissimo,
	}))
	p, _ := s.Get(ctx, "N1")
	require.Equal(t, models.CarrierColissimo, p.Carrier)

	// An explicit carrier is never silently overridden.
	_, _, _ = s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N2", Carrier: models.CarrierUPS})
	require.NoError(t, s.ApplyUpdate(ctx, models.PackageUpdate{
		TrackingNumber: "N2", CheckedAt: time.Now().UTC(),
		Status: models.StatusInTransit, Carrier: models.CarrierDHL,
	}))
	p, _ = s.Get(ctx, "N2")
	require.Equal(t, models.CarrierUPS, p.Carrier)
}

func TestApplyUpdate_UnknownNumberIsNoop(t *testing.T) {
	s := New()
	require.NoError(t, s.ApplyUpdate(context.Background(), okUpdate("GHOST", time.Now(), models.StatusInTransit)))
	all, _ := s.List(context.Background())
	require.Empty(t, all)
}

func TestConcurrentUpdates_NoLostEvents(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, err := s.Create(ctx, models.PackageCreateInput{TrackingNumber: "N1"})
	require.NoError(t, err)

	base := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := models.TrackingEvent{Timestamp: base.Add(time.Duration(i) * time.Minute), Description: "ev"}
			_ = s.ApplyUpdate(ctx, okUpdate("N1", base.Add(time.Hour), models.StatusInTransit, ev))
		}(i)
	}
	wg.Wait()

	p, _ := s.Get(ctx, "N1")
	require.Len(t, p.Events, 20)
}

func TestRemoveAndListByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, _ = s.Create(ctx, models.PackageCreateInput{TrackingNumber: "A"})
	_, _, _ = s.Create(ctx, models.PackageCreateInput{TrackingNumber: "B"})
	require.NoError(t, s.ApplyUpdate(ctx, okUpdate("B", time.Now().UTC(), models.StatusDelivered)))

	delivered, err := s.ListByStatus(ctx, models.StatusDelivered)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.Equal(t, "B", delivered[0].TrackingNumber)

	removed, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, removed)

	gone, err := s.Remove(ctx, "A")
	require.NoError(t, err)
	require.Nil(t, gone)

	all, _ := s.List(ctx)
	require.Len(t, all, 1)
}

func TestMarkRegistered(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, _ = s.Create(ctx, models.PackageCreateInput{TrackingNumber: "A"})
	require.NoError(t, s.MarkRegistered(ctx, []string{"a", "missing"}))
	p, _ := s.Get(ctx, "A")
	require.True(t, p.Registered)
}

func TestGet_MissingReturnsNotFound(t *testing.T) {
	s := New()
	p, err := s.Get(context.Background(), "NOPE12345678")
	require.ErrorIs(t, err, models.ErrPackageNotFound)
	require.Nil(t, p)
}
