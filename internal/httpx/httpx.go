// Package httpx holds the resty client setup and status classification shared
// by the remote observation source, the HTTP model invoker and the HTTP
// scheduling backend.
package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 30 * time.Second

// Options configures a client. RetryCount attempts are made after the first
// one, each RetryDelay apart, for transient failures only.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	UserAgent  string
}

// NewClient builds a resty client with a fixed-count, fixed-delay retry on
// network errors, 429 and 5xx.
func NewClient(opt Options) *resty.Client {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := opt.UserAgent
	if ua == "" {
		ua = "ramsis"
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)
	if opt.BaseURL != "" {
		c.SetBaseURL(strings.TrimRight(opt.BaseURL, "/"))
	}
	if opt.Token != "" {
		c.SetAuthToken(opt.Token)
	}
	if opt.RetryCount > 0 {
		delay := opt.RetryDelay
		if delay <= 0 {
			delay = time.Second
		}
		c.SetRetryCount(opt.RetryCount).
			SetRetryWaitTime(delay).
			SetRetryMaxWaitTime(delay).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r != nil && retriableStatus(r.StatusCode())
			})
	}
	return c
}

// StatusError carries the HTTP status of a failed call.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool { return retriableStatus(e.Code) }

func retriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 504)
}

// Classify returns nil for 2xx and a *StatusError otherwise.
func Classify(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	body := strings.TrimSpace(resp.String())
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{Code: code, Message: fmt.Sprintf("HTTP %d: %s", code, body)}
}

// IsPermanent reports whether err should not be retried: any non-transient
// status error.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Transient()
	}
	return false
}
