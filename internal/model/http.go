package model

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"ramsis/internal/httpx"
	"ramsis/internal/task/engine"
)

// HTTP POSTs the request to a model service. Transport errors, 429 and 5xx
// are left to the engine's retry policy; other statuses are permanent.
type HTTP struct {
	name   string
	url    string
	params map[string]float64
	client *resty.Client
}

func NewHTTP(name, url string, timeout time.Duration, params map[string]float64) *HTTP {
	return &HTTP{
		name:   name,
		url:    url,
		params: params,
		client: httpx.NewClient(httpx.Options{Timeout: timeout}),
	}
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) Invoke(ctx context.Context, req Request) (Response, error) {
	req.Model = h.name
	var out Response
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(withParams(req, h.params)).
		SetResult(&out).
		Post(h.url)
	if err != nil {
		return Response{}, fmt.Errorf("model %s: %w", h.name, err)
	}
	if err := httpx.Classify(resp); err != nil {
		if httpx.IsPermanent(err) {
			return Response{}, engine.NoRetry(fmt.Errorf("model %s: %w", h.name, err))
		}
		return Response{}, fmt.Errorf("model %s: %w", h.name, err)
	}
	return out, Check(h.name, out)
}
