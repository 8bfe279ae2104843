package polygon

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/resilience"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

const defaultRESTBase = "https://api.polygon.io"

// HistoricalProviderID is the registry id of the REST bar fetcher
const HistoricalProviderID = "polygon-hist"

// Historical fetches daily aggregates from the Polygon REST API
type Historical struct {
	client  *resty.Client
	base    string
	apiKey  string
	limiter *resilience.Limiter
	logger  zerolog.Logger
}

// NewHistorical creates the REST fetcher on a shared client
func NewHistorical(client *resty.Client, apiKey string) *Historical {
	h := &Historical{
		client: client,
		base:   defaultRESTBase,
		apiKey: apiKey,
		logger: log.WithProvider(HistoricalProviderID),
	}
	h.limiter = resilience.NewLimiter(resilience.LimiterConfig{
		MaxRequests: h.RateLimit().MaxRequestsPerWindow,
		Window:      h.RateLimit().Window,
		MinDelay:    h.RateLimit().MinDelay,
	})
	return h
}

// SetBaseURL overrides the REST endpoint, for tests
func (h *Historical) SetBaseURL(base string) { h.base = base }

func (h *Historical) Info() provider.Info {
	return provider.Info{ID: HistoricalProviderID, DisplayName: "Polygon.io Aggregates", Priority: 1}
}

func (h *Historical) RateLimit() provider.RateLimit {
	return provider.RateLimit{
		MaxRequestsPerWindow: 5,
		Window:               time.Minute,
		MinDelay:             200 * time.Millisecond,
	}
}

type aggsResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Timestamp int64   `json:"t"` // epoch millis of the session start
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
		VWAP      float64 `json:"vw"`
		Trades    int64   `json:"n"`
	} `json:"results"`
}

// GetDailyBars fetches daily bars ascending by session date, deduplicated
func (h *Historical) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error) {
	var out aggsResponse

	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		if err := h.limiter.Acquire(ctx); err != nil {
			return err
		}

		url := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s",
			h.base, symbol, from.Format("2006-01-02"), to.Format("2006-01-02"))

		resp, err := h.client.R().
			SetContext(ctx).
			SetQueryParam("apiKey", h.apiKey).
			SetQueryParam("sort", "asc").
			SetResult(&out).
			Get(url)
		if err != nil {
			return &resilience.Transient{Err: err}
		}
		return classifyStatus(resp)
	})
	if err != nil {
		return nil, fmt.Errorf("polygon aggs %s: %w", symbol, err)
	}

	bars := make([]types.BarPayload, 0, len(out.Results))
	seen := make(map[time.Time]struct{}, len(out.Results))
	for _, r := range out.Results {
		day := time.UnixMilli(r.Timestamp).UTC().Truncate(24 * time.Hour)
		if _, dup := seen[day]; dup {
			continue
		}
		seen[day] = struct{}{}
		bars = append(bars, types.BarPayload{
			SessionDate: day,
			Open:        r.Open,
			High:        r.High,
			Low:         r.Low,
			Close:       r.Close,
			Volume:      r.Volume,
			VWAP:        r.VWAP,
			TradeCount:  r.Trades,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].SessionDate.Before(bars[j].SessionDate) })
	return bars, nil
}

// GetAdjustedDailyBars fetches split/dividend adjusted bars
func (h *Historical) GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error) {
	bars, err := h.GetDailyBars(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	// The aggregates endpoint adjusts by default; mark the bars as such.
	for i := range bars {
		bars[i].Adjusted = true
	}
	return bars, nil
}

func (h *Historical) IsAvailable(ctx context.Context) bool {
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("apiKey", h.apiKey).
		Get(h.base + "/v1/marketstatus/now")
	return err == nil && resp.StatusCode() == http.StatusOK
}

// classifyStatus maps HTTP status codes onto the error taxonomy
func classifyStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		t := &resilience.Transient{Err: fmt.Errorf("rate limited: %s", resp.Status())}
		if after := resp.Header().Get("Retry-After"); after != "" {
			if d, err := time.ParseDuration(after + "s"); err == nil {
				t.RetryAfter = d
			}
		}
		return t
	case code >= 500:
		return &resilience.Transient{Err: fmt.Errorf("server error: %s", resp.Status())}
	default:
		return fmt.Errorf("request failed: %s", resp.Status())
	}
}
