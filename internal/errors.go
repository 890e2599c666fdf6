package internal

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Error classes. Concrete errors below match these through errors.Is so callers can
// branch on the class without caring about the carried details.
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrMissingParameter    = errors.New("missing stack parameter")
	ErrNameCollision       = errors.New("bucket name is owned by another account")
	ErrTransientService    = errors.New("transient service error")
	ErrConcurrentOperation = errors.New("stack operation already in progress")
	ErrRemoteLifecycle     = errors.New("stack entered a failed state")
	ErrTimeout             = errors.New("timed out")
	ErrContentHealth       = errors.New("endpoint served unexpected content")
	ErrNotConfirmed        = errors.New("teardown not confirmed")
)

// ConfigurationError reports a missing or invalid input. It is always raised before any
// remote call is made.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigurationError returns a ConfigurationError with an operator hint attached.
func NewConfigurationError(key, reason, hint string) error {
	err := error(&ConfigurationError{Key: key, Reason: reason})
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}

// MissingParameterError is raised by the template builder when a declared parameter
// has neither a value nor a default.
type MissingParameterError struct {
	Template   string
	Parameters []string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("template %s declares parameters with no value: %v", e.Template, e.Parameters)
}

func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter || target == ErrConfiguration
}

// NameCollisionError is raised when the derived bucket name exists under another owner.
type NameCollisionError struct {
	Bucket string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("bucket %s already exists and is not owned by this account", e.Bucket)
}

func (e *NameCollisionError) Is(target error) bool {
	return target == ErrNameCollision || target == ErrConfiguration
}

// TransientServiceError is returned once throttling or retryable API failures outlast
// the retry budget.
type TransientServiceError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

func (e *TransientServiceError) Is(target error) bool {
	return target == ErrTransientService
}

// ConcurrentOperationError is returned when a stack already has a mutation in flight.
type ConcurrentOperationError struct {
	Stack string
	State string
}

func (e *ConcurrentOperationError) Error() string {
	return fmt.Sprintf("stack %s is %s; refusing to start another operation", e.Stack, e.State)
}

func (e *ConcurrentOperationError) Is(target error) bool {
	return target == ErrConcurrentOperation
}

// RemoteLifecycleFailure is returned when a stack settles in a failed or rolled back state.
// It is never retried automatically.
type RemoteLifecycleFailure struct {
	Stack  string
	State  string
	Reason string
}

func (e *RemoteLifecycleFailure) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stack %s is %s", e.Stack, e.State)
	}
	return fmt.Sprintf("stack %s is %s: %s", e.Stack, e.State, e.Reason)
}

func (e *RemoteLifecycleFailure) Is(target error) bool {
	return target == ErrRemoteLifecycle
}

// TimeoutError is returned when local waiting stops. The remote operation keeps running.
type TimeoutError struct {
	Stack     string
	Waiting   string
	After     time.Duration
	LastState string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for stack %s to %s (last state %s)", e.After, e.Stack, e.Waiting, e.LastState)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ContentHealthFailure is returned when the site answers but without the expected content.
type ContentHealthFailure struct {
	URL      string
	Expected string
}

func (e *ContentHealthFailure) Error() string {
	return fmt.Sprintf("%s is reachable but does not contain %q", e.URL, e.Expected)
}

func (e *ContentHealthFailure) Is(target error) bool {
	return target == ErrContentHealth
}

// StageError wraps the error that stopped a workflow with the stage it stopped in and the
// last stack state observed before stopping.
type StageError struct {
	Stage     string
	LastState string
	Err       error
}

func (e *StageError) Error() string {
	if e.LastState == "" {
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s failed (last observed state %s): %v", e.Stage, e.LastState, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExitCode maps an error to the process exit status used by the command line tools.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfiguration):
		return 2
	default:
		return 1
	}
}
