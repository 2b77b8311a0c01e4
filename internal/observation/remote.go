package observation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"ramsis/internal/domain"
	"ramsis/internal/httpx"
	logx "ramsis/pkg/logx"
)

// RemoteConfig configures the remote source. Transient failures (network,
// 429, 5xx) are retried RetryMax times, RetryDelay apart; anything else is
// returned at once.
type RemoteConfig struct {
	SeismicURL   string
	HydraulicURL string
	Timeout      time.Duration
	RetryMax     int
	RetryDelay   time.Duration
	RatePerSec   float64
}

// Remote queries an FDSN event service (GeoJSON) and a HYDWS service.
type Remote struct {
	cfg     RemoteConfig
	client  *resty.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewRemote(cfg RemoteConfig, log logx.Logger) *Remote {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Remote{
		cfg: cfg,
		client: httpx.NewClient(httpx.Options{
			Timeout:    cfg.Timeout,
			RetryCount: cfg.RetryMax,
			RetryDelay: cfg.RetryDelay,
		}),
		limiter: lim,
		log:     log,
	}
}

func timeParams(from, to time.Time) map[string]string {
	p := map[string]string{"endtime": to.UTC().Format("2006-01-02T15:04:05")}
	if !from.IsZero() {
		p["starttime"] = from.UTC().Format("2006-01-02T15:04:05")
	}
	return p
}

func (r *Remote) get(ctx context.Context, url string, params map[string]string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := r.client.R().SetContext(ctx).SetQueryParams(params).Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	// FDSN answers 204 for an empty result.
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if err := httpx.Classify(resp); err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return resp.Body(), nil
}

func (r *Remote) Seismic(ctx context.Context, from, to time.Time) ([]domain.SeismicEvent, error) {
	if r.cfg.SeismicURL == "" {
		return nil, errors.New("seismic_url is not configured")
	}
	params := timeParams(from, to)
	params["format"] = "geojson"
	b, err := r.get(ctx, r.cfg.SeismicURL, params)
	if err != nil || b == nil {
		return nil, err
	}
	events, err := DecodeGeoJSON(b)
	if err != nil {
		return nil, err
	}
	r.log.Debug("seismic catalog fetched", logx.Int("events", len(events)), logx.Time("to", to))
	return clipSeismic(events, from, to), nil
}

func (r *Remote) Hydraulic(ctx context.Context, from, to time.Time) ([]domain.HydraulicSample, error) {
	if r.cfg.HydraulicURL == "" {
		return nil, nil
	}
	params := timeParams(from, to)
	params["level"] = "hydraulic"
	b, err := r.get(ctx, r.cfg.HydraulicURL, params)
	if err != nil || b == nil {
		return nil, err
	}
	samples, err := DecodeHYDWS(b)
	if err != nil {
		return nil, err
	}
	r.log.Debug("hydraulics fetched", logx.Int("samples", len(samples)), logx.Time("to", to))
	return clipHydraulic(samples, from, to), nil
}

// Services may treat endtime as inclusive; clip to [from, to).
func clipSeismic(in []domain.SeismicEvent, from, to time.Time) []domain.SeismicEvent {
	out := in[:0]
	for _, e := range in {
		if (from.IsZero() || !e.DateTime.Before(from)) && e.DateTime.Before(to) {
			out = append(out, e)
		}
	}
	return out
}

func clipHydraulic(in []domain.HydraulicSample, from, to time.Time) []domain.HydraulicSample {
	out := in[:0]
	for _, h := range in {
		if (from.IsZero() || !h.DateTime.Before(from)) && h.DateTime.Before(to) {
			out = append(out, h)
		}
	}
	return out
}
