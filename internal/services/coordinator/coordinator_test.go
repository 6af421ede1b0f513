package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ColisBox/ColisBox/internal/broker/messages"
	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/ColisBox/ColisBox/internal/provider"
	"github.com/ColisBox/ColisBox/internal/storage/mempackages"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []messages.PackageUpdated
	err  error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var m messages.PackageUpdated
	if err := json.Unmarshal(value, &m); err != nil {
		return err
	}
	p.msgs = append(p.msgs, m)
	return p.err
}

func (p *fakeProducer) last() messages.PackageUpdated {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fakeQuota struct {
	allowed bool
	used    int64
	taken   int64
	err     error
}

func (q *fakeQuota) Take(ctx context.Context, key string, n, limit int64, window time.Duration) (bool, int64, error) {
	if q.allowed {
		q.taken += n
	}
	return q.allowed, q.used, q.err
}

type fakeProvider struct {
	mu      sync.Mutex
	results map[string]provider.ItemResult

	queryErr    error
	registerErr error

	queryCalls    [][]string
	registerCalls [][]provider.Registration
	stopCalls     []string

	block chan struct{}
}

func (f *fakeProvider) setResult(num string, res provider.ItemResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]provider.ItemResult)
	}
	f.results[num] = res
}

func (f *fakeProvider) Register(ctx context.Context, regs []provider.Registration) ([]provider.RegisterResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls = append(f.registerCalls, regs)
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	out := make([]provider.RegisterResult, 0, len(regs))
	for _, r := range regs {
		out = append(out, provider.RegisterResult{Number: r.Number, Registered: true})
	}
	return out, nil
}

func (f *fakeProvider) QueryBatch(ctx context.Context, numbers []string) (map[string]provider.ItemResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls = append(f.queryCalls, append([]string(nil), numbers...))
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make(map[string]provider.ItemResult, len(numbers))
	for _, n := range numbers {
		if res, ok := f.results[n]; ok {
			out[n] = res
		}
	}
	return out, nil
}

func (f *fakeProvider) StopTracking(ctx context.Context, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, number)
	return nil
}

func inTransitResult(desc string, at time.Time) provider.ItemResult {
	return provider.ItemResult{Info: &provider.TrackInfo{
		StatusCode:    "InTransit",
		SubStatusCode: "InTransit_PickedUp",
		Events:        []provider.Event{{Time: at, Description: desc, Location: "Paris"}},
	}}
}

func deliveredResult(at time.Time) provider.ItemResult {
	return provider.ItemResult{Info: &provider.TrackInfo{
		StatusCode: "Delivered",
		Milestones: []string{"delivered"},
		Events:     []provider.Event{{Time: at, Description: "Votre colis est livré", Location: "Lyon"}},
	}}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *mempackages.Store, *fakeProvider, *fakeProducer) {
	t.Helper()
	st := mempackages.New()
	fp := &fakeProvider{}
	pr := &fakeProducer{}
	c := New(st, fp, pr, nil, "package.updated")
	return c, st, fp, pr
}

func TestCoordinator_AddPackage_DetectsCarrierAndPolls(t *testing.T) {
	c, st, fp, pr := newTestCoordinator(t)
	fp.setResult("1Z999AA10123456784", inTransitResult("Pris en charge", time.Now().UTC()))

	pkg, err := c.AddPackage(context.Background(), models.PackageCreateInput{
		TrackingNumber: " 1z999aa10123456784 ",
		FriendlyName:   "Chaussures",
	})
	require.NoError(t, err)
	require.Equal(t, "1Z999AA10123456784", pkg.TrackingNumber)
	require.Equal(t, models.CarrierUPS, pkg.Carrier)
	require.Equal(t, models.SourceManual, pkg.Source)
	require.Equal(t, models.StatusInTransit, pkg.Status)
	require.True(t, pkg.Registered)
	require.Len(t, fp.registerCalls, 1)
	require.Len(t, fp.queryCalls, 1)
	require.Equal(t, 1, pr.count())

	stored, err := st.Get(context.Background(), "1Z999AA10123456784")
	require.NoError(t, err)
	require.Equal(t, "Chaussures", stored.FriendlyName)
}

func TestCoordinator_AddPackage_IdempotentSkipsReRegister(t *testing.T) {
	c, _, fp, _ := newTestCoordinator(t)
	fp.setResult("XY123456789FR", inTransitResult("En cours", time.Now().UTC()))

	first, err := c.AddPackage(context.Background(), models.PackageCreateInput{TrackingNumber: "XY123456789FR"})
	require.NoError(t, err)
	require.Equal(t, models.StatusInTransit, first.Status)

	again, err := c.AddPackage(context.Background(), models.PackageCreateInput{
		TrackingNumber: "XY123456789FR",
		FriendlyName:   "Livre",
	})
	require.NoError(t, err)
	require.Equal(t, "Livre", again.FriendlyName)
	require.Equal(t, models.StatusInTransit, again.Status)
	// Existing number: no second registration, no second poll.
	require.Len(t, fp.registerCalls, 1)
	require.Len(t, fp.queryCalls, 1)
}

func TestCoordinator_RunCycle_RegistersAndReconciles(t *testing.T) {
	c, st, fp, pr := newTestCoordinator(t)
	eventAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	_, _, err := st.Create(context.Background(), models.PackageCreateInput{
		TrackingNumber: "AB123456789FR", Source: models.SourceManual,
	})
	require.NoError(t, err)
	fp.setResult("AB123456789FR", inTransitResult("Tri en cours", eventAt))

	c.RunCycle(context.Background())

	pkg, err := st.Get(context.Background(), "AB123456789FR")
	require.NoError(t, err)
	require.True(t, pkg.Registered)
	require.Equal(t, models.StatusInTransit, pkg.Status)
	require.Equal(t, "Tri en cours", pkg.InfoText)
	require.Equal(t, "Paris", pkg.Location)
	require.Len(t, pkg.Events, 1)
	require.NotNil(t, pkg.LastOKAt)

	require.Equal(t, 1, pr.count())
	require.Equal(t, models.StatusInTransit, pr.last().Status)

	st2 := c.Stats()
	require.Equal(t, int64(1), st2.TotalCycles)
	require.Equal(t, int64(1), st2.TotalRegistered)
	require.Equal(t, int64(1), st2.TotalReconciled)
}

func TestCoordinator_RunCycle_SkipsDelivered(t *testing.T) {
	c, st, fp, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "DONE123456789", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("DONE123456789", deliveredResult(time.Now().UTC()))

	c.RunCycle(ctx)
	require.Len(t, fp.queryCalls, 1)

	c.RunCycle(ctx)
	// Delivered packages are not polled again.
	require.Len(t, fp.queryCalls, 1)
}

func TestCoordinator_RunCycle_BatchFailureKeepsState(t *testing.T) {
	c, st, fp, pr := newTestCoordinator(t)
	ctx := context.Background()
	eventAt := time.Now().UTC().Add(-time.Hour)

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "KEEP12345678", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("KEEP12345678", inTransitResult("Arrivé au hub", eventAt))
	c.RunCycle(ctx)

	before, err := st.Get(ctx, "KEEP12345678")
	require.NoError(t, err)
	require.Equal(t, models.StatusInTransit, before.Status)

	fp.queryErr = provider.ErrUnavailable
	c.RunCycle(ctx)

	after, err := st.Get(ctx, "KEEP12345678")
	require.NoError(t, err)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.Events, after.Events)
	require.Equal(t, *before.LastCheckedAt, *after.LastCheckedAt)
	require.Equal(t, int64(1), c.Stats().TotalBatchErrors)
	// Nothing new was published for the failed cycle.
	require.Equal(t, 1, pr.count())
}

func TestCoordinator_RunCycle_ItemErrorOnlyBeforeFirstResolve(t *testing.T) {
	c, st, fp, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "GHOST9876543", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("GHOST9876543", provider.ItemResult{
		Err: &provider.ItemError{Number: "GHOST9876543", Code: provider.CodeItemNotFound, Message: "not found"},
	})
	c.RunCycle(ctx)

	pkg, err := st.Get(ctx, "GHOST9876543")
	require.NoError(t, err)
	require.Equal(t, models.StatusNotFound, pkg.Status)
	require.EqualValues(t, 1, pkg.CheckFailCount)

	// Once resolved, later rejections keep the last good state.
	fp.setResult("GHOST9876543", inTransitResult("Pris en charge", time.Now().UTC()))
	c.RunCycle(ctx)
	fp.setResult("GHOST9876543", provider.ItemResult{
		Err: &provider.ItemError{Number: "GHOST9876543", Code: -1, Message: "upstream hiccup"},
	})
	c.RunCycle(ctx)

	pkg, err = st.Get(ctx, "GHOST9876543")
	require.NoError(t, err)
	require.Equal(t, models.StatusInTransit, pkg.Status)
	require.EqualValues(t, 1, pkg.CheckFailCount)
	require.NotNil(t, pkg.LastError)
	require.Equal(t, "upstream hiccup", *pkg.LastError)
}

func TestCoordinator_RunCycle_BatchesBySize(t *testing.T) {
	c, st, fp, _ := newTestCoordinator(t)
	c.WithSettings(0, 2, 0, 0)
	ctx := context.Background()

	for _, n := range []string{"BATCH0000001", "BATCH0000002", "BATCH0000003"} {
		_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: n, Source: models.SourceManual})
		require.NoError(t, err)
		fp.setResult(n, inTransitResult("En transit", time.Now().UTC()))
	}

	c.RunCycle(ctx)
	require.Len(t, fp.queryCalls, 2)
	require.Len(t, fp.queryCalls[0], 2)
	require.Len(t, fp.queryCalls[1], 1)
	require.Equal(t, int64(3), c.Stats().TotalPolled)
}

func TestCoordinator_RegisterQuotaExhausted(t *testing.T) {
	st := mempackages.New()
	fp := &fakeProvider{}
	q := &fakeQuota{allowed: false, used: 100}
	c := New(st, fp, nil, q, "package.updated")
	ctx := context.Background()

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "QUOTA1234567", Source: models.SourceManual})
	require.NoError(t, err)

	c.RunCycle(ctx)
	require.Empty(t, fp.registerCalls)

	pkg, err := st.Get(ctx, "QUOTA1234567")
	require.NoError(t, err)
	require.False(t, pkg.Registered)
	// The number is still polled even while registration waits for quota.
	require.Len(t, fp.queryCalls, 1)
}

func TestCoordinator_ArchiveExpiredDelivered(t *testing.T) {
	c, st, fp, pr := newTestCoordinator(t)
	ctx := context.Background()

	deliveredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return deliveredAt }

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "OLD123456789", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("OLD123456789", deliveredResult(deliveredAt))
	c.RunCycle(ctx)

	pkg, err := st.Get(ctx, "OLD123456789")
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, pkg.Status)
	require.NotNil(t, pkg.DeliveredAt)

	// One day later: within the 48h delay, the package stays.
	c.now = func() time.Time { return deliveredAt.Add(24 * time.Hour) }
	c.RunCycle(ctx)
	_, err = st.Get(ctx, "OLD123456789")
	require.NoError(t, err)

	// Past the delay it is archived, the aggregator told to stop and a
	// removal published.
	c.now = func() time.Time { return deliveredAt.Add(49 * time.Hour) }
	c.RunCycle(ctx)
	_, err = st.Get(ctx, "OLD123456789")
	require.Error(t, err)
	require.Equal(t, []string{"OLD123456789"}, fp.stopCalls)
	require.True(t, pr.last().Removed)
	require.Equal(t, int64(1), c.Stats().TotalArchived)
}

func TestCoordinator_ArchiveDisabled(t *testing.T) {
	c, st, fp, _ := newTestCoordinator(t)
	c.WithSettings(0, 0, -1, 0)
	ctx := context.Background()

	deliveredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "STAY12345678", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("STAY12345678", deliveredResult(deliveredAt))
	c.RunCycle(ctx)

	c.now = func() time.Time { return deliveredAt.Add(365 * 24 * time.Hour) }
	c.RunCycle(ctx)
	_, err = st.Get(ctx, "STAY12345678")
	require.NoError(t, err)
}

func TestCoordinator_ArchiveDelivered_IgnoresDelay(t *testing.T) {
	c, st, fp, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "NOW123456789", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("NOW123456789", deliveredResult(time.Now().UTC()))
	c.RunCycle(ctx)

	n, err := c.ArchiveDelivered(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = st.Get(ctx, "NOW123456789")
	require.Error(t, err)
}

func TestCoordinator_RemovePackage(t *testing.T) {
	c, st, fp, pr := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "GONE12345678", Source: models.SourceManual})
	require.NoError(t, err)

	require.NoError(t, c.RemovePackage(ctx, "gone12345678"))
	require.Equal(t, []string{"GONE12345678"}, fp.stopCalls)
	require.True(t, pr.last().Removed)

	require.ErrorIs(t, c.RemovePackage(ctx, "GONE12345678"), ErrNotTracked)
}

func TestCoordinator_RefreshPackage(t *testing.T) {
	c, st, fp, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.RefreshPackage(ctx, "NOPE00000000")
	require.ErrorIs(t, err, ErrNotTracked)

	_, _, err = st.Create(ctx, models.PackageCreateInput{TrackingNumber: "FRESH1234567", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("FRESH1234567", inTransitResult("En distribution", time.Now().UTC()))

	pkg, err := c.RefreshPackage(ctx, "fresh1234567")
	require.NoError(t, err)
	require.Equal(t, models.StatusInTransit, pkg.Status)
	require.Len(t, fp.queryCalls, 1)
}

func TestCoordinator_RunCycle_OverlapSkipped(t *testing.T) {
	c, st, fp, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := st.Create(ctx, models.PackageCreateInput{TrackingNumber: "SLOW12345678", Source: models.SourceManual})
	require.NoError(t, err)
	fp.setResult("SLOW12345678", inTransitResult("En transit", time.Now().UTC()))
	fp.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunCycle(ctx)
	}()

	require.Eventually(t, func() bool { return c.cycling.Load() }, time.Second, time.Millisecond)
	c.RunCycle(ctx)
	require.Equal(t, int64(1), c.Stats().TotalSkipped)

	close(fp.block)
	<-done
	require.Equal(t, int64(1), c.Stats().TotalCycles)
}

func TestCoordinator_PollIgnoresPackageRemovedMidFlight(t *testing.T) {
	store := mempackages.New()
	fp := &fakeProvider{}
	fp.setResult("GONE12345678", inTransitResult("En transit", time.Now().UTC()))
	prod := &fakeProducer{}
	c := New(store, fp, prod, nil, "package.updated")

	// Номер удалили, пока ответ агрегатора был в пути: состояние не
	// воскрешается и событие не публикуется.
	c.pollBatch(context.Background(), []string{"GONE12345678"})

	require.Zero(t, prod.count())
	_, err := store.Get(context.Background(), "GONE12345678")
	require.ErrorIs(t, err, models.ErrPackageNotFound)
	all, err := store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}
