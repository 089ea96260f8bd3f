package httpclient

import (
	"context"
	"io"
	"net/http"
	"time"
)

// RetryPolicy controls retries in DoWithRetry: up to Attempts tries with
// exponential back-off wait = Multiplier * 2^(attempt-1), clamped to
// [MinWait, MaxWait]. Transport errors, timeouts, 429, and 5xx retry; other
// 4xx never do.
type RetryPolicy struct {
	Attempts   int
	Multiplier time.Duration
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy matches the resolver contract: three attempts, base-2
// back-off between 1s and 10s.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:   3,
	Multiplier: 2 * time.Second,
	MinWait:    1 * time.Second,
	MaxWait:    10 * time.Second,
}

func (p RetryPolicy) wait(attempt int) time.Duration {
	d := p.Multiplier << (attempt - 1)
	if d < p.MinWait {
		d = p.MinWait
	}
	if d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// DoWithRetry performs req under the policy. Requests with a body must have
// GetBody set (http.NewRequest does this for common readers) so the body can
// be replayed. Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		attemptReq := req
		if attempt > 1 {
			attemptReq = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				attemptReq.Body = body
			}
		}

		resp, lastErr = client.Do(attemptReq)
		if lastErr == nil {
			code := resp.StatusCode
			if !retryableStatus(code) {
				return resp, nil
			}
			if attempt == policy.Attempts {
				return resp, nil
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else if attempt == policy.Attempts {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.wait(attempt)):
		}
	}
	return nil, lastErr
}
