// Package seventeentrack implements the provider contract against a
// 17track-style aggregation API v2.2 (register / gettrackinfo / stoptrack /
// getquota).
package seventeentrack

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/ColisBox/ColisBox/internal/provider"
	"github.com/pkg/errors"
)

const (
	// MaxBatchSize is the aggregator's per-call limit on tracking numbers.
	MaxBatchSize = 40

	codeOK            = 0
	codeQuotaExceeded = -18010014
	// codeAlreadyRegistered: повторная регистрация трека, считаем успехом.
	codeAlreadyRegistered = -18019901
)

// Aggregator numeric carrier codes.
var carrierCodes = map[models.Carrier]int{
	models.CarrierChronopost: 4031,
	models.CarrierColissimo:  4036,
	models.CarrierLaPoste:    4036,
	models.CarrierDHL:        100003,
	models.CarrierUPS:        100002,
	models.CarrierAmazon:     100143,
	models.CarrierCainiao:    190271,
	models.CarrierColisPrive: 100027,
}

var carriersByCode = map[int]models.Carrier{
	4031:   models.CarrierChronopost,
	4036:   models.CarrierColissimo,
	100003: models.CarrierDHL,
	100002: models.CarrierUPS,
	100143: models.CarrierAmazon,
	190271: models.CarrierCainiao,
	100027: models.CarrierColisPrive,
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client

	rl        RateLimiter
	reqPerSec int64
	sleep     func(time.Duration)
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.17track.net/track/v2.2"
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		httpc:     &http.Client{Timeout: 15 * time.Second},
		reqPerSec: 3,
		sleep:     time.Sleep,
	}
}

// WithRateLimiter enables the per-second request limiter (shared across
// processes via redis).
func (c *Client) WithRateLimiter(rl RateLimiter, reqPerSec int) *Client {
	c.rl = rl
	if reqPerSec > 0 {
		c.reqPerSec = int64(reqPerSec)
	}
	return c
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rejectedItem struct {
	Number string   `json:"number"`
	Error  apiError `json:"error"`
}

type registerResp struct {
	Code int `json:"code"`
	Data struct {
		Accepted []struct {
			Number string `json:"number"`
		} `json:"accepted"`
		Rejected []rejectedItem `json:"rejected"`
	} `json:"data"`
}

type trackResp struct {
	Code int `json:"code"`
	Data struct {
		Accepted []struct {
			Number    string `json:"number"`
			TrackInfo struct {
				LatestStatus struct {
					Status    string `json:"status"`
					SubStatus string `json:"sub_status"`
				} `json:"latest_status"`
				LatestEvent struct {
					TimeISO     string `json:"time_iso"`
					Description string `json:"description"`
					Location    string `json:"location"`
				} `json:"latest_event"`
				Milestone []struct {
					KeyStage string `json:"key_stage"`
					TimeISO  string `json:"time_iso"`
				} `json:"milestone"`
				Tracking struct {
					Providers []struct {
						Events []struct {
							TimeISO     string `json:"time_iso"`
							Description string `json:"description"`
							Location    string `json:"location"`
						} `json:"events"`
					} `json:"providers"`
				} `json:"tracking"`
			} `json:"track_info"`
			CarrierCode int `json:"carrier"`
		} `json:"accepted"`
		Rejected []rejectedItem `json:"rejected"`
	} `json:"data"`
}

type stopResp struct {
	Code int `json:"code"`
	Data struct {
		Rejected []rejectedItem `json:"rejected"`
	} `json:"data"`
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if err := c.waitRateLimit(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("17token", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrapf(provider.ErrUnavailable, "do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.Wrap(provider.ErrUnavailable, "rate limited upstream")
	}
	if resp.StatusCode/100 != 2 {
		return errors.Wrapf(provider.ErrUnavailable, "http %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(provider.ErrUnavailable, "decode response")
	}
	return nil
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	if c.rl == nil {
		return nil
	}
	// Secondly window key; the aggregator allows ~3 req/sec.
	for i := 0; i < 4; i++ {
		key := "rl:17track:" + time.Now().UTC().Format("20060102150405")
		allowed, _, err := c.rl.Allow(ctx, key, c.reqPerSec, 2*time.Second)
		if err != nil {
			// Limiter outage should not take polling down with it.
			return nil
		}
		if allowed {
			return nil
		}
		c.sleep(350 * time.Millisecond)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, regs []provider.Registration) ([]provider.RegisterResult, error) {
	if len(regs) == 0 {
		return nil, nil
	}
	if len(regs) > MaxBatchSize {
		regs = regs[:MaxBatchSize]
	}

	items := make([]map[string]any, 0, len(regs))
	for _, r := range regs {
		item := map[string]any{"number": r.Number}
		if code, ok := carrierCodes[r.Carrier]; ok {
			item["carrier"] = code
		}
		items = append(items, item)
	}

	var r registerResp
	if err := c.post(ctx, "/register", items, &r); err != nil {
		return nil, err
	}
	if r.Code == codeQuotaExceeded {
		return nil, errors.WithStack(provider.ErrQuotaExceeded)
	}
	if r.Code != codeOK {
		return nil, errors.Wrapf(provider.ErrUnavailable, "register code %d", r.Code)
	}

	out := make([]provider.RegisterResult, 0, len(regs))
	for _, a := range r.Data.Accepted {
		out = append(out, provider.RegisterResult{Number: a.Number, Registered: true})
	}
	for _, rej := range r.Data.Rejected {
		res := provider.RegisterResult{Number: rej.Number}
		if rej.Error.Code == codeAlreadyRegistered {
			res.Registered = true
		} else {
			res.Err = &provider.ItemError{Number: rej.Number, Code: rej.Error.Code, Message: rej.Error.Message}
		}
		out = append(out, res)
	}
	return out, nil
}

// QueryBatch fetches current track info for the given numbers. Requests
// larger than the aggregator's per-call limit are split into several calls.
func (c *Client) QueryBatch(ctx context.Context, numbers []string) (map[string]provider.ItemResult, error) {
	out := make(map[string]provider.ItemResult, len(numbers))
	for start := 0; start < len(numbers); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(numbers) {
			end = len(numbers)
		}
		if err := c.queryChunk(ctx, numbers[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) queryChunk(ctx context.Context, numbers []string, out map[string]provider.ItemResult) error {
	items := make([]map[string]any, 0, len(numbers))
	for _, n := range numbers {
		items = append(items, map[string]any{"number": n})
	}

	var r trackResp
	if err := c.post(ctx, "/gettrackinfo", items, &r); err != nil {
		return err
	}
	if r.Code != codeOK {
		return errors.Wrapf(provider.ErrUnavailable, "gettrackinfo code %d", r.Code)
	}

	for _, a := range r.Data.Accepted {
		info := &provider.TrackInfo{
			StatusCode:    a.TrackInfo.LatestStatus.Status,
			SubStatusCode: a.TrackInfo.LatestStatus.SubStatus,
			Location:      a.TrackInfo.LatestEvent.Location,
			Carrier:       models.CarrierUnknown,
		}
		if carr, ok := carriersByCode[a.CarrierCode]; ok {
			info.Carrier = carr
		}
		for _, m := range a.TrackInfo.Milestone {
			info.Milestones = append(info.Milestones, m.KeyStage)
		}
		for _, p := range a.TrackInfo.Tracking.Providers {
			for _, e := range p.Events {
				// События без валидной даты отбрасываем целиком.
				t, err := time.Parse(time.RFC3339, e.TimeISO)
				if err != nil {
					continue
				}
				info.Events = append(info.Events, provider.Event{
					Time:        t.UTC(),
					Description: e.Description,
					Location:    e.Location,
				})
			}
		}
		out[a.Number] = provider.ItemResult{Info: info}
	}
	for _, rej := range r.Data.Rejected {
		out[rej.Number] = provider.ItemResult{
			Err: &provider.ItemError{Number: rej.Number, Code: rej.Error.Code, Message: rej.Error.Message},
		}
	}
	return nil
}

func (c *Client) StopTracking(ctx context.Context, number string) error {
	var r stopResp
	if err := c.post(ctx, "/stoptrack", []map[string]any{{"number": number}}, &r); err != nil {
		return err
	}
	if r.Code != codeOK {
		return errors.Wrapf(provider.ErrUnavailable, "stoptrack code %d", r.Code)
	}
	return nil
}

// Quota returns raw quota info from the aggregator.
func (c *Client) Quota(ctx context.Context) (map[string]any, error) {
	var r struct {
		Code int            `json:"code"`
		Data map[string]any `json:"data"`
	}
	if err := c.post(ctx, "/getquota", map[string]any{}, &r); err != nil {
		return nil, err
	}
	if r.Code != codeOK {
		return nil, errors.Wrapf(provider.ErrUnavailable, "getquota code %d", r.Code)
	}
	return r.Data, nil
}
