package series

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"ramsis/internal/httpx"
)

// HTTPBackend keeps registrations in a remote deployment registry:
//
//	POST   /schedules        -> {"id": "..."}
//	PUT    /schedules/{id}
//	DELETE /schedules/{id}
//	GET    /schedules/{id}
//
// The registry fires occurrences on its own; nothing runs in process.
type HTTPBackend struct {
	client *resty.Client
}

type HTTPOptions struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

func NewHTTPBackend(opt HTTPOptions) *HTTPBackend {
	return &HTTPBackend{client: httpx.NewClient(httpx.Options{
		BaseURL:    opt.BaseURL,
		Token:      opt.Token,
		Timeout:    opt.Timeout,
		RetryCount: opt.RetryCount,
		RetryDelay: opt.RetryDelay,
	})}
}

type wireRegistration struct {
	ID              string     `json:"id,omitempty"`
	SeriesID        string     `json:"series_id"`
	Name            string     `json:"name"`
	Start           time.Time  `json:"start"`
	IntervalSeconds float64    `json:"interval_seconds"`
	Until           *time.Time `json:"until,omitempty"`
	Active          bool       `json:"active"`
}

func toWire(r Registration) wireRegistration {
	w := wireRegistration{
		ID:              r.ID,
		SeriesID:        r.SeriesID,
		Name:            r.Name,
		Start:           r.Rule.Start.UTC(),
		IntervalSeconds: r.Rule.Interval.Seconds(),
		Active:          r.Active,
	}
	if !r.Rule.Until.IsZero() {
		u := r.Rule.Until.UTC()
		w.Until = &u
	}
	return w
}

func (w wireRegistration) registration() Registration {
	r := Registration{
		ID:       w.ID,
		SeriesID: w.SeriesID,
		Name:     w.Name,
		Active:   w.Active,
		Rule: Recurrence{
			Start:    w.Start.UTC(),
			Interval: time.Duration(w.IntervalSeconds * float64(time.Second)),
		},
	}
	if w.Until != nil {
		r.Rule.Until = w.Until.UTC()
	}
	return r
}

func (b *HTTPBackend) Create(ctx context.Context, reg Registration) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(toWire(reg)).
		SetResult(&out).
		Post("/schedules")
	if err := check(resp, err, ""); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("schedule registry returned no id")
	}
	return out.ID, nil
}

func (b *HTTPBackend) Update(ctx context.Context, reg Registration) error {
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(toWire(reg)).
		Put("/schedules/" + url.PathEscape(reg.ID))
	return check(resp, err, reg.ID)
}

func (b *HTTPBackend) Delete(ctx context.Context, id string) error {
	resp, err := b.client.R().
		SetContext(ctx).
		Delete("/schedules/" + url.PathEscape(id))
	return check(resp, err, id)
}

func (b *HTTPBackend) Get(ctx context.Context, id string) (Registration, error) {
	var out wireRegistration
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/schedules/" + url.PathEscape(id))
	if err := check(resp, err, id); err != nil {
		return Registration{}, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return out.registration(), nil
}

func check(resp *resty.Response, err error, id string) error {
	if err != nil {
		return fmt.Errorf("schedule registry: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrRegistrationNotFound, id)
	}
	if err := httpx.Classify(resp); err != nil {
		return fmt.Errorf("schedule registry: %w", err)
	}
	return nil
}
