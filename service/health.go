package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pipeline-bootstrap/internal"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/sethvargo/go-retry"
)

// maxHealthBody bounds how much of a page is searched for the expected content.
const maxHealthBody = 1 << 20

type HealthStatus string

const (
	Healthy   HealthStatus = "Healthy"
	Unhealthy HealthStatus = "Unhealthy"
)

// FailureKind says why a check was unhealthy.
type FailureKind string

const (
	// FailureUnreachable covers transport errors and non-2xx responses.
	FailureUnreachable FailureKind = "Unreachable"
	// FailureContentMismatch is a successful response without the expected content.
	FailureContentMismatch FailureKind = "ContentMismatch"
)

type HealthResult struct {
	Status   HealthStatus
	Kind     FailureKind
	URL      string
	Expected string
	Attempts int
	Detail   string
}

func (r HealthResult) Healthy() bool {
	return r.Status == Healthy
}

// Err converts an unhealthy result into an error. Content mismatches become a
// ContentHealthFailure so they can be told apart from connectivity problems.
func (r HealthResult) Err() error {
	switch {
	case r.Healthy():
		return nil
	case r.Kind == FailureContentMismatch:
		return errors.WithHint(&internal.ContentHealthFailure{URL: r.URL, Expected: r.Expected},
			"The site is serving the wrong build; check the pipeline's last execution")
	default:
		return errors.WithHint(
			errors.Newf("%s unreachable after %d attempts: %s", r.URL, r.Attempts, r.Detail),
			"DNS or the load balancer may not be ready yet; try again later")
	}
}

type HealthPoller struct {
	Client *http.Client
	Logger *log.Logger
	// StopOnMismatch reports a content mismatch at once instead of retrying it.
	StopOnMismatch bool
}

func NewHealthPoller(logger *log.Logger) *HealthPoller {
	return &HealthPoller{
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: logger,
	}
}

type healthFailure struct {
	kind   FailureKind
	detail string
}

func (f *healthFailure) Error() string { return f.detail }

func (p *HealthPoller) fetch(ctx context.Context, url, expected string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return &healthFailure{kind: FailureUnreachable, detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &healthFailure{kind: FailureUnreachable, detail: fmt.Sprintf("HTTP %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return &healthFailure{kind: FailureUnreachable, detail: err.Error()}
	}
	if !strings.Contains(string(body), expected) {
		return &healthFailure{kind: FailureContentMismatch, detail: fmt.Sprintf("response does not contain %q", expected)}
	}
	return nil
}

// Check fetches url up to attempts times, interval apart, and is Healthy as soon as a
// response contains expected. Running out of attempts gives an Unhealthy result, never
// an error.
func (p *HealthPoller) Check(ctx context.Context, url, expected string, attempts int, interval time.Duration) HealthResult {
	result := HealthResult{URL: url, Expected: expected}
	b := retry.WithMaxRetries(uint64(max(attempts, 1)-1), retry.NewConstant(interval))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		result.Attempts++
		err := p.fetch(ctx, url, expected)
		var failure *healthFailure
		if !errors.As(err, &failure) {
			return err
		}
		result.Kind, result.Detail = failure.kind, failure.detail
		p.Logger.Debug("Health check failed", "url", url, "attempt", result.Attempts, "kind", failure.kind, "detail", failure.detail)
		if failure.kind == FailureContentMismatch && p.StopOnMismatch {
			return err
		}
		return retry.RetryableError(err)
	})

	if err == nil {
		result.Status, result.Kind, result.Detail = Healthy, "", ""
		p.Logger.Info("Site is healthy", "url", url, "attempts", result.Attempts)
		return result
	}
	result.Status = Unhealthy
	if result.Kind == "" {
		result.Kind, result.Detail = FailureUnreachable, err.Error()
	}
	return result
}
