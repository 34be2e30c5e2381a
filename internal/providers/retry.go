package providers

import (
	"context"
	"errors"
	"time"
)

// RequestWithRetry invokes p.Request, retrying transient failures with
// exponential backoff (initial RetryInitialBackoff, doubling, capped at
// RetryBackoffCap) up to RetryMaxAttempts total attempts. Non-retryable
// failures (auth, invalid request) return immediately. This implements the
// per-attempt "send" retry contract; cross-provider failover is a separate,
// higher-level concern (see the proxy package).
func RequestWithRetry(ctx context.Context, p Provider, req *ProxyRequest) (*ProxyResponse, error) {
	var lastErr error
	backoff := RetryInitialBackoff

	for attempt := 0; attempt < RetryMaxAttempts; attempt++ {
		resp, err := p.Request(ctx, req)
		if err == nil {
			return resp, nil
		}

		category := ClassifyError(err)
		lastErr = &AdapterError{
			Provider:   p.Name(),
			Category:   category,
			StatusCode: statusOf(err),
			Err:        err,
		}

		if !IsRetryable(category) || attempt == RetryMaxAttempts-1 {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > RetryBackoffCap {
			backoff = RetryBackoffCap
		}
	}

	return nil, lastErr
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
