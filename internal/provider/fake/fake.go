package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/ColisBox/ColisBox/internal/provider"
)

// FakeClient — детерминированная заглушка агрегатора для локального запуска
// без API-ключа. Статус зависит только от номера трека.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Register(ctx context.Context, regs []provider.Registration) ([]provider.RegisterResult, error) {
	out := make([]provider.RegisterResult, 0, len(regs))
	for _, r := range regs {
		out = append(out, provider.RegisterResult{Number: r.Number, Registered: true})
	}
	return out, nil
}

func (f *FakeClient) QueryBatch(ctx context.Context, numbers []string) (map[string]provider.ItemResult, error) {
	now := time.Now().UTC()
	out := make(map[string]provider.ItemResult, len(numbers))
	for _, n := range numbers {
		h := fnv.New32a()
		_, _ = h.Write([]byte(n))
		v := h.Sum32()

		// 20% доставлено, 10% not found.
		switch {
		case v%10 == 9:
			out[n] = provider.ItemResult{Err: &provider.ItemError{Number: n, Code: provider.CodeItemNotFound, Message: "not found"}}
		case v%5 == 0:
			out[n] = provider.ItemResult{Info: &provider.TrackInfo{
				StatusCode: "Delivered",
				Milestones: []string{"Delivered"},
				Location:   "Paris",
				Carrier:    models.CarrierUnknown,
				Events: []provider.Event{
					{Time: now, Description: "Colis livré", Location: "Paris"},
				},
			}}
		default:
			out[n] = provider.ItemResult{Info: &provider.TrackInfo{
				StatusCode:    "InTransit",
				SubStatusCode: "InTransit_PickedUp",
				Location:      "Lyon Hub",
				Carrier:       models.CarrierUnknown,
				Events: []provider.Event{
					{Time: now, Description: "Colis en transit", Location: "Lyon Hub"},
				},
			}}
		}
	}
	return out, nil
}

func (f *FakeClient) StopTracking(ctx context.Context, number string) error { return nil }
