// Package httputil holds shared HTTP client construction.
package httputil

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	retryWait    = 500 * time.Millisecond
	retryMaxWait = 3 * time.Second
)

// NewClient returns a resty client with the defaults used for provider calls.
// Only GET requests are retried, on transport errors and 5xx responses.
func NewClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		SetHeader("User-Agent", "zapinbox/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= 500
		})
	if baseURL != "" {
		client.SetBaseURL(baseURL)
	}
	return client
}
