package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
)

// StatusCoder is implemented by errors that carry the HTTP status of a response.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusOf extracts the HTTP status carried by err, if any.
func StatusOf(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus(), true
	}
	return 0, false
}

// RetryableStatus reports whether a response with the given status is worth retrying.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// IsRetryable classifies err. Errors without a response (network failures,
// timeouts) are retryable; responses are retryable only for 408, 429 and 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if code, ok := StatusOf(err); ok {
		return RetryableStatus(code)
	}
	return true
}

// IsRateLimited reports whether err is an HTTP 429 response.
func IsRateLimited(err error) bool {
	code, ok := StatusOf(err)
	return ok && code == http.StatusTooManyRequests
}

// CheckRetry plugs the classification into a retryablehttp client.
func CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return RetryableStatus(resp.StatusCode), nil
}

// Configure applies p to a retryablehttp client. The final response is passed
// through unchanged so callers can inspect its status after the budget is spent.
func Configure(c *retryablehttp.Client, p Policy) *retryablehttp.Client {
	c.RetryMax = p.attempts() - 1
	c.RetryWaitMin = p.BaseDelay
	c.RetryWaitMax = p.MaxDelay
	c.CheckRetry = CheckRetry
	c.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return p.Delay(attemptNum)
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}
