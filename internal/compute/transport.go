package compute

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/logging"
)

type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Interval   time.Duration
	Timeout    time.Duration
}

// NewHTTPClient builds the retrying transport shared by identity and compute calls.
// Connection refused, timeouts, resets, empty replies, broken pipes and 5xx responses are
// retried at a fixed interval.
func NewHTTPClient(opts RetryOptions, logger zerolog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.MaxRetries
	client.RetryWaitMin = opts.Interval
	client.RetryWaitMax = opts.Interval
	client.Backoff = fixedBackoff
	client.CheckRetry = retryPolicy
	client.ErrorHandler = exhaustedHandler
	client.Logger = logging.NewLeveledAdapter(logger)
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	return client
}

func fixedBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	return min
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return isRetryableTransportError(err), nil
	}
	if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
		return true, nil
	}
	return false, nil
}

// exhaustedHandler runs when retries stop without success. A final 5xx response is handed
// back to the caller so it can be mapped per operation.
func exhaustedHandler(resp *http.Response, err error, numTries int) (*http.Response, error) {
	if err == nil {
		return resp, nil
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if !isRetryableTransportError(err) {
		return nil, err
	}

	exhausted := &apperrors.TransportExhaustedError{Attempts: numTries, Err: err}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		exhausted.Method = strings.ToUpper(uerr.Op)
		exhausted.URL = uerr.URL
	}
	return nil, exhausted
}

func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	// The caller's own context ending is not a transport failure. Client timeouts arrive
	// wrapped in *url.Error and stay retryable.
	if err == context.Canceled || err == context.DeadlineExceeded || errors.Is(err, context.Canceled) {
		return false
	}
	// empty reply from server
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
