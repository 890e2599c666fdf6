package service

import (
	"context"
	"time"

	"pipeline-bootstrap/internal"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
)

const (
	defaultRetryBase = 500 * time.Millisecond
	maxRetryDelay    = 10 * time.Second
)

// apiRetrier retries single API calls that fail with throttling or other retryable
// service errors.
type apiRetrier struct {
	attempts int
	base     time.Duration
}

func isTransient(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return request.IsErrorThrottle(aerr) || request.IsErrorRetryable(aerr)
}

// do runs fn until it succeeds, fails with a non-transient error or the attempts run
// out. Exhaustion is reported as a TransientServiceError.
func (r apiRetrier) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := max(r.attempts, 1)
	base := r.base
	if base <= 0 {
		base = defaultRetryBase
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(maxRetryDelay, b)
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	used := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		used++
		err := fn(ctx)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && isTransient(err) {
		return &internal.TransientServiceError{Operation: operation, Attempts: used, Err: err}
	}
	return err
}
