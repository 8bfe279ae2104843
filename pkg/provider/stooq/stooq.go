// Package stooq fetches daily bars from the Stooq CSV endpoint. The
// service is keyless and serves end-of-day data only, which makes it the
// default backfill fallback.
package stooq

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/provider"
	"github.com/openquant/tickerd/pkg/resilience"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

// ProviderID is the registry id of this adapter
const ProviderID = "stooq"

const defaultBaseURL = "https://stooq.com"

// Provider fetches daily bars over the CSV download endpoint
type Provider struct {
	client  *resty.Client
	base    string
	limiter *resilience.Limiter
	logger  zerolog.Logger
}

// New creates the fetcher on a shared client
func New(client *resty.Client) *Provider {
	p := &Provider{
		client: client,
		base:   defaultBaseURL,
		logger: log.WithProvider(ProviderID),
	}
	p.limiter = resilience.NewLimiter(resilience.LimiterConfig{
		MaxRequests: p.RateLimit().MaxRequestsPerWindow,
		Window:      p.RateLimit().Window,
		MinDelay:    p.RateLimit().MinDelay,
	})
	return p
}

// SetBaseURL overrides the endpoint, for tests
func (p *Provider) SetBaseURL(base string) { p.base = base }

func (p *Provider) Info() provider.Info {
	return provider.Info{ID: ProviderID, DisplayName: "Stooq EOD", Priority: 5}
}

func (p *Provider) RateLimit() provider.RateLimit {
	return provider.RateLimit{
		MaxRequestsPerWindow: 60,
		Window:               time.Minute,
		MinDelay:             500 * time.Millisecond,
	}
}

// GetDailyBars downloads and parses the symbol's daily CSV, ascending by
// session date, deduplicated. An unknown symbol yields an empty body and
// is surfaced as an error.
func (p *Provider) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]types.BarPayload, error) {
	var body []byte

	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		if err := p.limiter.Acquire(ctx); err != nil {
			return err
		}

		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"s":  vendorSymbol(symbol),
				"d1": from.Format("20060102"),
				"d2": to.Format("20060102"),
				"i":  "d",
			}).
			Get(p.base + "/q/d/l/")
		if err != nil {
			return &resilience.Transient{Err: err}
		}
		switch {
		case resp.StatusCode() == http.StatusTooManyRequests:
			return &resilience.Transient{Err: fmt.Errorf("rate limited: %s", resp.Status())}
		case resp.StatusCode() >= 500:
			return &resilience.Transient{Err: fmt.Errorf("server error: %s", resp.Status())}
		case resp.StatusCode() != http.StatusOK:
			return fmt.Errorf("request failed: %s", resp.Status())
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stooq download %s: %w", symbol, err)
	}

	bars, err := parseCSV(body)
	if err != nil {
		return nil, fmt.Errorf("stooq parse %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("stooq: no data for symbol %s", symbol)
	}
	return bars, nil
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get(p.base + "/q/d/l/?s=spy.us&i=d")
	return err == nil && resp.StatusCode() == http.StatusOK
}

// vendorSymbol maps a canonical US symbol onto stooq's lowercase .us form
func vendorSymbol(symbol string) string {
	s := strings.ToLower(symbol)
	if !strings.Contains(s, ".") {
		s += ".us"
	}
	return s
}

// parseCSV reads the Date,Open,High,Low,Close,Volume download format
func parseCSV(body []byte) ([]types.BarPayload, error) {
	r := csv.NewReader(strings.NewReader(string(body)))
	r.FieldsPerRecord = -1

	var bars []types.BarPayload
	seen := make(map[time.Time]struct{})
	header := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			if len(rec) > 0 && strings.EqualFold(rec[0], "date") {
				continue
			}
		}
		if len(rec) < 6 {
			continue
		}

		day, err := time.ParseInLocation("2006-01-02", rec[0], time.UTC)
		if err != nil {
			continue
		}
		if _, dup := seen[day]; dup {
			continue
		}

		open, err1 := strconv.ParseFloat(rec[1], 64)
		high, err2 := strconv.ParseFloat(rec[2], 64)
		low, err3 := strconv.ParseFloat(rec[3], 64)
		closePx, err4 := strconv.ParseFloat(rec[4], 64)
		volume, err5 := strconv.ParseFloat(rec[5], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}

		seen[day] = struct{}{}
		bars = append(bars, types.BarPayload{
			SessionDate: day,
			Open:        open,
			High:        high,
			Low:         low,
			Close:       closePx,
			Volume:      volume,
		})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].SessionDate.Before(bars[j].SessionDate) })
	return bars, nil
}
