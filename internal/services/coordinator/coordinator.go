package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ColisBox/ColisBox/internal/broker/messages"
	"github.com/ColisBox/ColisBox/internal/carriers"
	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/ColisBox/ColisBox/internal/provider"
	"github.com/ColisBox/ColisBox/internal/status"
	"github.com/pkg/errors"
)

type Store interface {
	Create(ctx context.Context, in models.PackageCreateInput) (*models.Package, bool, error)
	Get(ctx context.Context, trackingNumber string) (*models.Package, error)
	ApplyUpdate(ctx context.Context, upd models.PackageUpdate) error
	MarkRegistered(ctx context.Context, numbers []string) error
	Remove(ctx context.Context, trackingNumber string) (*models.Package, error)
	List(ctx context.Context) ([]*models.Package, error)
	ListByStatus(ctx context.Context, status models.PackageStatus) ([]*models.Package, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Take(ctx context.Context, key string, n, limit int64, window time.Duration) (bool, int64, error)
}

// ErrNotTracked is returned by per-number commands for unknown numbers.
var ErrNotTracked = errors.New("tracking number is not tracked")

// Coordinator owns the poll cycle: it registers new numbers with the
// aggregator, queries tracked numbers in batches, reconciles results into
// the store and archives delivered packages past the retention delay.
// A cycle never overlaps with itself; manual commands share the same
// reconciliation path as the periodic cycle.
type Coordinator struct {
	store    Store
	provider provider.Client
	producer Producer
	rl       RateLimiter

	topic string

	pollInterval  time.Duration
	batchSize     int
	archiveDelay  time.Duration
	registerQuota int64

	triggerCh chan struct{}
	cycling   atomic.Bool

	now func() time.Time

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalSkippedCycles  atomic.Int64
	totalPolled         atomic.Int64
	totalReconciled     atomic.Int64
	totalItemErrors     atomic.Int64
	totalBatchErrors    atomic.Int64
	totalRegistered     atomic.Int64
	totalArchived       atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(store Store, prov provider.Client, producer Producer, rl RateLimiter, topic string) *Coordinator {
	return &Coordinator{
		store: store, provider: prov, producer: producer, rl: rl, topic: topic,
		pollInterval:      30 * time.Minute,
		batchSize:         40,
		archiveDelay:      48 * time.Hour,
		registerQuota:     100,
		triggerCh:         make(chan struct{}, 1),
		now:               func() time.Time { return time.Now().UTC() },
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (c *Coordinator) WithSettings(pollInterval time.Duration, batchSize int, archiveDelay time.Duration, registerQuota int64) *Coordinator {
	if pollInterval > 0 {
		c.pollInterval = pollInterval
	}
	if batchSize > 0 {
		c.batchSize = batchSize
	}
	// archiveDelay <= 0 disables auto-archive entirely.
	c.archiveDelay = archiveDelay
	if registerQuota > 0 {
		c.registerQuota = registerQuota
	}
	return c
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (c *Coordinator) Trigger() {
	c.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastCycleAt       *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt     *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles       int64      `json:"totalCycles"`
	TotalSkipped      int64      `json:"totalSkippedCycles"`
	TotalPolled       int64      `json:"totalPolled"`
	TotalReconciled   int64      `json:"totalReconciled"`
	TotalItemErrors   int64      `json:"totalItemErrors"`
	TotalBatchErrors  int64      `json:"totalBatchErrors"`
	TotalRegistered   int64      `json:"totalRegistered"`
	TotalArchived     int64      `json:"totalArchived"`
	LastError         string     `json:"lastError,omitempty"`
}

func (c *Coordinator) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, c.startedAtUnixNano).UTC(),
		TotalCycles:      c.totalCycles.Load(),
		TotalSkipped:     c.totalSkippedCycles.Load(),
		TotalPolled:      c.totalPolled.Load(),
		TotalReconciled:  c.totalReconciled.Load(),
		TotalItemErrors:  c.totalItemErrors.Load(),
		TotalBatchErrors: c.totalBatchErrors.Load(),
		TotalRegistered:  c.totalRegistered.Load(),
		TotalArchived:    c.totalArchived.Load(),
	}
	if n := c.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := c.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	c.lastErrorMu.Lock()
	st.LastError = c.lastError
	c.lastErrorMu.Unlock()
	return st
}

func (c *Coordinator) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err.Error()
	c.lastErrorMu.Unlock()
}

func (c *Coordinator) Run(ctx context.Context) error {
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()

	// Первый опрос сразу на старте, не ждём целый интервал.
	c.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.RunCycle(ctx)
		case <-c.triggerCh:
			c.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full poll cycle. If a cycle is already running the
// call is dropped, not queued: the running cycle will observe fresher state
// anyway.
func (c *Coordinator) RunCycle(ctx context.Context) {
	if !c.cycling.CompareAndSwap(false, true) {
		c.totalSkippedCycles.Add(1)
		slog.Debug("poll cycle already running, skipping")
		return
	}
	defer c.cycling.Store(false)

	now := c.now()
	c.lastCycleUnixNano.Store(now.UnixNano())
	c.totalCycles.Add(1)

	pkgs, err := c.store.List(ctx)
	if err != nil {
		slog.Error("list packages", "error", err.Error())
		c.setLastError(err)
		return
	}

	c.registerPending(ctx, pkgs)

	due := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		if p.Status == models.StatusDelivered {
			continue
		}
		due = append(due, p.TrackingNumber)
	}
	sort.Strings(due)

	for len(due) > 0 {
		if ctx.Err() != nil {
			return
		}
		n := len(due)
		if n > c.batchSize {
			n = c.batchSize
		}
		c.pollBatch(ctx, due[:n])
		due = due[n:]
	}

	c.archiveExpired(ctx, now)
}

// registerPending submits every not-yet-registered number to the aggregator,
// within the monthly registration quota. Failures leave the number
// unregistered and it is retried on the next cycle.
func (c *Coordinator) registerPending(ctx context.Context, pkgs []*models.Package) {
	var regs []provider.Registration
	for _, p := range pkgs {
		if p.Registered {
			continue
		}
		regs = append(regs, provider.Registration{Number: p.TrackingNumber, Carrier: p.Carrier})
	}

	for len(regs) > 0 {
		n := len(regs)
		if n > c.batchSize {
			n = c.batchSize
		}
		if !c.takeRegisterQuota(ctx, int64(n)) {
			return
		}
		c.registerBatch(ctx, regs[:n])
		regs = regs[n:]
	}
}

// takeRegisterQuota reserves n registrations from the calendar-month budget.
// Без редиса квота не учитывается и регистрация идёт как есть.
func (c *Coordinator) takeRegisterQuota(ctx context.Context, n int64) bool {
	if c.rl == nil || c.registerQuota <= 0 {
		return true
	}
	key := fmt.Sprintf("quota:provider:register:%s", c.now().Format("200601"))
	allowed, used, err := c.rl.Take(ctx, key, n, c.registerQuota, 32*24*time.Hour)
	if err != nil {
		slog.Warn("register quota check", "error", err.Error())
		return true
	}
	if !allowed {
		slog.Warn("register quota exhausted for this month", "used", used, "limit", c.registerQuota)
		return false
	}
	return true
}

func (c *Coordinator) registerBatch(ctx context.Context, regs []provider.Registration) {
	results, err := c.provider.Register(ctx, regs)
	if err != nil {
		slog.Warn("register batch", "count", len(regs), "error", err.Error())
		c.setLastError(err)
		return
	}
	var accepted []string
	for _, r := range results {
		if r.Err != nil {
			c.totalItemErrors.Add(1)
			slog.Warn("register rejected", "number", r.Number, "error", r.Err.Message)
			continue
		}
		if r.Registered {
			accepted = append(accepted, r.Number)
		}
	}
	if len(accepted) == 0 {
		return
	}
	if err := c.store.MarkRegistered(ctx, accepted); err != nil {
		slog.Error("mark registered", "error", err.Error())
		c.setLastError(err)
		return
	}
	c.totalRegistered.Add(int64(len(accepted)))
}

// pollBatch queries one bounded batch and reconciles every result. A
// whole-batch failure leaves the store untouched; a per-number rejection is
// recorded as an item error without disturbing the rest of the batch.
func (c *Coordinator) pollBatch(ctx context.Context, numbers []string) {
	c.totalPolled.Add(int64(len(numbers)))

	results, err := c.provider.QueryBatch(ctx, numbers)
	if err != nil {
		c.totalBatchErrors.Add(1)
		c.setLastError(err)
		slog.Warn("query batch", "count", len(numbers), "error", err.Error())
		return
	}
	if ctx.Err() != nil {
		return
	}

	checkedAt := c.now()
	for _, num := range numbers {
		res, ok := results[num]
		if !ok {
			res = provider.ItemResult{Err: &provider.ItemError{Number: num, Message: "missing from batch response"}}
		}
		if err := c.reconcile(ctx, num, checkedAt, res); err != nil {
			slog.Error("reconcile package", "number", num, "error", err.Error())
			c.setLastError(err)
		}
	}
}

// reconcile turns one provider result into a store update and publishes the
// applied state.
func (c *Coordinator) reconcile(ctx context.Context, num string, checkedAt time.Time, res provider.ItemResult) error {
	upd := models.PackageUpdate{TrackingNumber: num, CheckedAt: checkedAt}

	if res.Err != nil {
		c.totalItemErrors.Add(1)
		msg := res.Err.Message
		upd.Error = &msg
		// Status is applied by the store only while the number has never
		// resolved; after a first good poll the last known state wins.
		if res.Err.IsNotFound() {
			upd.Status = models.StatusNotFound
		} else {
			upd.Status = models.StatusUnknown
		}
	} else {
		info := res.Info
		upd.Status = status.Normalize(info.StatusCode, info.SubStatusCode, info.Milestones)
		upd.Carrier = info.Carrier
		upd.Location = info.Location
		upd.Events = make([]models.TrackingEvent, 0, len(info.Events))
		for _, e := range info.Events {
			upd.Events = append(upd.Events, models.TrackingEvent{
				Timestamp:   e.Time.UTC(),
				Description: e.Description,
				Location:    e.Location,
			})
		}
		sort.SliceStable(upd.Events, func(i, j int) bool {
			return upd.Events[i].Timestamp.After(upd.Events[j].Timestamp)
		})
		if len(upd.Events) > 0 {
			upd.InfoText = upd.Events[0].Description
			if upd.Location == "" {
				upd.Location = upd.Events[0].Location
			}
		}
	}

	if err := c.store.ApplyUpdate(ctx, upd); err != nil {
		return errors.Wrap(err, "apply update")
	}
	c.totalReconciled.Add(1)

	c.publishState(ctx, num, checkedAt, false, upd.Error)
	return nil
}

// archiveExpired removes delivered packages whose delivery is older than the
// archive delay. Delay <= 0 keeps delivered packages forever.
func (c *Coordinator) archiveExpired(ctx context.Context, now time.Time) {
	if c.archiveDelay <= 0 {
		return
	}
	delivered, err := c.store.ListByStatus(ctx, models.StatusDelivered)
	if err != nil {
		slog.Error("list delivered packages", "error", err.Error())
		c.setLastError(err)
		return
	}
	for _, p := range delivered {
		if p.DeliveredAt == nil || now.Sub(*p.DeliveredAt) < c.archiveDelay {
			continue
		}
		if err := c.archiveOne(ctx, p.TrackingNumber); err != nil {
			slog.Error("archive package", "number", p.TrackingNumber, "error", err.Error())
			c.setLastError(err)
		}
	}
}

func (c *Coordinator) archiveOne(ctx context.Context, num string) error {
	last, err := c.store.Remove(ctx, num)
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}
	c.totalArchived.Add(1)
	if err := c.provider.StopTracking(ctx, num); err != nil {
		// Номер уже удалён локально, так что это не фатально.
		slog.Warn("stop tracking", "number", num, "error", err.Error())
	}
	c.publishRemoved(ctx, last)
	slog.Info("package archived", "number", num, "delivered_at", last.DeliveredAt)
	return nil
}

// AddPackage puts a new tracking number under management. Idempotent:
// re-adding an existing number merges metadata and never resets state. The
// fresh number is registered and polled immediately, best-effort.
func (c *Coordinator) AddPackage(ctx context.Context, in models.PackageCreateInput) (*models.Package, error) {
	in.TrackingNumber = models.NormalizeTrackingNumber(in.TrackingNumber)
	if in.TrackingNumber == "" {
		return nil, errors.New("empty tracking number")
	}
	if in.Carrier == "" || in.Carrier == models.CarrierUnknown {
		in.Carrier = carriers.DetectOne(in.TrackingNumber)
	}
	if in.Source == "" {
		in.Source = models.SourceManual
	}

	pkg, created, err := c.store.Create(ctx, in)
	if err != nil {
		return nil, errors.Wrap(err, "create package")
	}
	if created {
		slog.Info("package added", "number", pkg.TrackingNumber, "carrier", pkg.Carrier, "source", pkg.Source)
		if c.takeRegisterQuota(ctx, 1) {
			c.registerBatch(ctx, []provider.Registration{{Number: pkg.TrackingNumber, Carrier: pkg.Carrier}})
		}
		c.pollBatch(ctx, []string{pkg.TrackingNumber})
	}

	return c.store.Get(ctx, pkg.TrackingNumber)
}

// RemovePackage stops tracking a number and deletes its local state.
func (c *Coordinator) RemovePackage(ctx context.Context, num string) error {
	num = models.NormalizeTrackingNumber(num)
	last, err := c.store.Remove(ctx, num)
	if err != nil {
		return errors.Wrap(err, "remove package")
	}
	if last == nil {
		return ErrNotTracked
	}
	if err := c.provider.StopTracking(ctx, num); err != nil {
		slog.Warn("stop tracking", "number", num, "error", err.Error())
	}
	c.publishRemoved(ctx, last)
	slog.Info("package removed", "number", num)
	return nil
}

// RefreshPackage polls a single tracked number synchronously.
func (c *Coordinator) RefreshPackage(ctx context.Context, num string) (*models.Package, error) {
	num = models.NormalizeTrackingNumber(num)
	if _, err := c.store.Get(ctx, num); err != nil {
		if errors.Is(err, models.ErrPackageNotFound) {
			return nil, ErrNotTracked
		}
		return nil, errors.Wrap(err, "get package")
	}
	c.pollBatch(ctx, []string{num})
	return c.store.Get(ctx, num)
}

// ArchiveDelivered removes every delivered package regardless of the archive
// delay and returns how many were removed.
func (c *Coordinator) ArchiveDelivered(ctx context.Context) (int, error) {
	delivered, err := c.store.ListByStatus(ctx, models.StatusDelivered)
	if err != nil {
		return 0, errors.Wrap(err, "list delivered packages")
	}
	archived := 0
	for _, p := range delivered {
		if err := c.archiveOne(ctx, p.TrackingNumber); err != nil {
			c.setLastError(err)
			slog.Error("archive package", "number", p.TrackingNumber, "error", err.Error())
			continue
		}
		archived++
	}
	return archived, nil
}

func (c *Coordinator) publishState(ctx context.Context, num string, checkedAt time.Time, removed bool, itemErr *string) {
	if c.producer == nil {
		return
	}
	pkg, err := c.store.Get(ctx, num)
	if err != nil {
		// Пакет могли удалить, пока шёл опрос: публиковать нечего.
		return
	}
	msg := messages.PackageUpdated{
		TrackingNumber: pkg.TrackingNumber,
		CheckedAt:      checkedAt,
		Carrier:        pkg.Carrier,
		Status:         pkg.Status,
		InfoText:       pkg.InfoText,
		Location:       pkg.Location,
		DeliveredAt:    pkg.DeliveredAt,
		Events:         pkg.Events,
		Removed:        removed,
		Error:          itemErr,
	}
	c.publish(ctx, msg)
}

func (c *Coordinator) publishRemoved(ctx context.Context, last *models.Package) {
	if c.producer == nil {
		return
	}
	msg := messages.PackageUpdated{
		TrackingNumber: last.TrackingNumber,
		CheckedAt:      c.now(),
		Carrier:        last.Carrier,
		Status:         last.Status,
		DeliveredAt:    last.DeliveredAt,
		Removed:        true,
	}
	c.publish(ctx, msg)
}

func (c *Coordinator) publish(ctx context.Context, msg messages.PackageUpdated) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal package update", "number", msg.TrackingNumber, "error", err.Error())
		return
	}
	if err := c.producer.Publish(ctx, c.topic, []byte(msg.TrackingNumber), b); err != nil {
		slog.Error("publish package update", "number", msg.TrackingNumber, "error", err.Error())
	}
}
