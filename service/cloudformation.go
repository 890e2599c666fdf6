package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"pipeline-bootstrap/dtos"
	"pipeline-bootstrap/internal"
	statemanager "pipeline-bootstrap/state_manager"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Operation is what Upsert asked CloudFormation to do.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationNoop   Operation = "noop"
)

const noUpdatesMessage = "No updates are to be performed."

var errStillWaiting = errors.New("still waiting")

// StackClient issues stack operations and interprets stack states. It never caches a
// stack state: every decision is made on a fresh DescribeStacks call.
type StackClient struct {
	CF           cloudformationiface.CloudFormationAPI
	Logger       *log.Logger
	PollInterval time.Duration

	retrier  apiRetrier
	newToken func() string
}

func NewStackClient(cf cloudformationiface.CloudFormationAPI, logger *log.Logger, config internal.Config) *StackClient {
	return &StackClient{
		CF:           cf,
		Logger:       logger,
		PollInterval: config.PollInterval,
		retrier:      apiRetrier{attempts: config.APIMaxAttempts, base: defaultRetryBase},
		newToken:     uuid.NewString,
	}
}

// SetRetryBase changes the first backoff delay used for throttled calls.
func (c *StackClient) SetRetryBase(d time.Duration) {
	c.retrier.base = d
}

func stackRef(h dtos.StackHandle) string {
	if h.StackID != "" {
		return h.StackID
	}
	return h.Name
}

func isStackMissing(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == "ValidationError" && strings.Contains(aerr.Message(), "does not exist")
}

// Describe returns the current state of a stack. A stack that does not exist, or that
// finished deleting, is reported as ABSENT without an error.
func (c *StackClient) Describe(ctx context.Context, h dtos.StackHandle) (dtos.StackInfo, error) {
	var out *cloudformation.DescribeStacksOutput
	err := c.retrier.do(ctx, "DescribeStacks", func(ctx context.Context) error {
		var err error
		out, err = c.CF.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
			StackName: aws.String(stackRef(h)),
		})
		return err
	})
	if isStackMissing(err) {
		return dtos.StackInfo{Name: h.Name, Status: statemanager.StackAbsent}, nil
	}
	if err != nil {
		return dtos.StackInfo{}, errors.Wrapf(err, "describing stack %s", h.Name)
	}
	if len(out.Stacks) == 0 {
		return dtos.StackInfo{Name: h.Name, Status: statemanager.StackAbsent}, nil
	}

	stack := out.Stacks[0]
	info := dtos.StackInfo{
		Name:         aws.StringValue(stack.StackName),
		StackID:      aws.StringValue(stack.StackId),
		Status:       statemanager.StackState(aws.StringValue(stack.StackStatus)),
		StatusReason: aws.StringValue(stack.StackStatusReason),
		Outputs:      make(map[string]string, len(stack.Outputs)),
	}
	for _, o := range stack.Outputs {
		info.Outputs[aws.StringValue(o.OutputKey)] = aws.StringValue(o.OutputValue)
	}
	if info.Status == statemanager.StackDeleteComplete {
		info.Status = statemanager.StackAbsent
	}
	return info, nil
}

// Outputs returns the outputs of a stack.
func (c *StackClient) Outputs(ctx context.Context, name string) (map[string]string, error) {
	info, err := c.Describe(ctx, dtos.StackHandle{Name: name})
	if err != nil {
		return nil, err
	}
	if info.Status.IsAbsent() {
		return nil, errors.Newf("stack %s does not exist", name)
	}
	return info.Outputs, nil
}

func cfnParameters(params map[string]string) []*cloudformation.Parameter {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*cloudformation.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, &cloudformation.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(params[k]),
		})
	}
	return out
}

// Upsert creates the stack when it is absent and updates it when it sits in a state that
// accepts updates. It returns as soon as CloudFormation accepts the request.
func (c *StackClient) Upsert(ctx context.Context, d dtos.StackDescriptor) (dtos.StackHandle, Operation, error) {
	info, err := c.Describe(ctx, dtos.StackHandle{Name: d.Name})
	if err != nil {
		return dtos.StackHandle{}, "", err
	}

	switch {
	case info.Status.IsAbsent():
		return c.create(ctx, d)
	case info.Status.IsInProgress():
		return info.Handle(), "", &internal.ConcurrentOperationError{Stack: d.Name, State: string(info.Status)}
	case info.Status.IsUpdatable():
		return c.update(ctx, d, info)
	default:
		return info.Handle(), "", errors.WithHint(
			&internal.RemoteLifecycleFailure{Stack: d.Name, State: string(info.Status), Reason: info.StatusReason},
			"Inspect the stack events, then delete the stack before provisioning again",
		)
	}
}

func (c *StackClient) create(ctx context.Context, d dtos.StackDescriptor) (dtos.StackHandle, Operation, error) {
	token := c.newToken()
	var out *cloudformation.CreateStackOutput
	err := c.retrier.do(ctx, "CreateStack", func(ctx context.Context) error {
		var err error
		out, err = c.CF.CreateStackWithContext(ctx, &cloudformation.CreateStackInput{
			StackName:          aws.String(d.Name),
			TemplateBody:       aws.String(d.TemplateBody),
			Parameters:         cfnParameters(d.Parameters),
			Capabilities:       aws.StringSlice(d.Capabilities),
			ClientRequestToken: aws.String(token),
		})
		return err
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == cloudformation.ErrCodeAlreadyExistsException {
			return dtos.StackHandle{Name: d.Name}, "", &internal.ConcurrentOperationError{Stack: d.Name, State: "created concurrently"}
		}
		return dtos.StackHandle{}, "", errors.Wrapf(err, "creating stack %s", d.Name)
	}

	c.Logger.Info("Stack create requested", "stack", d.Name)
	return dtos.StackHandle{Name: d.Name, StackID: aws.StringValue(out.StackId)}, OperationCreate, nil
}

func (c *StackClient) update(ctx context.Context, d dtos.StackDescriptor, current dtos.StackInfo) (dtos.StackHandle, Operation, error) {
	token := c.newToken()
	var out *cloudformation.UpdateStackOutput
	err := c.retrier.do(ctx, "UpdateStack", func(ctx context.Context) error {
		var err error
		out, err = c.CF.UpdateStackWithContext(ctx, &cloudformation.UpdateStackInput{
			StackName:          aws.String(d.Name),
			TemplateBody:       aws.String(d.TemplateBody),
			Parameters:         cfnParameters(d.Parameters),
			Capabilities:       aws.StringSlice(d.Capabilities),
			ClientRequestToken: aws.String(token),
		})
		return err
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == "ValidationError" {
			if strings.Contains(aerr.Message(), noUpdatesMessage) {
				c.Logger.Info("Stack is already up to date", "stack", d.Name)
				return current.Handle(), OperationNoop, nil
			}
			if strings.Contains(aerr.Message(), "_IN_PROGRESS state") {
				return current.Handle(), "", &internal.ConcurrentOperationError{Stack: d.Name, State: "UPDATE_IN_PROGRESS"}
			}
		}
		return dtos.StackHandle{}, "", errors.Wrapf(err, "updating stack %s", d.Name)
	}

	c.Logger.Info("Stack update requested", "stack", d.Name)
	return dtos.StackHandle{Name: d.Name, StackID: aws.StringValue(out.StackId)}, OperationUpdate, nil
}

// AwaitTerminal polls the stack every PollInterval until it leaves the in-progress
// states or timeout passes. On timeout the last observed state is returned together with
// a TimeoutError; the stack operation itself keeps running.
func (c *StackClient) AwaitTerminal(ctx context.Context, h dtos.StackHandle, timeout time.Duration) (statemanager.StackState, error) {
	var last statemanager.StackState
	b := retry.WithMaxDuration(timeout, retry.NewConstant(c.PollInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		info, err := c.Describe(ctx, h)
		if err != nil {
			return err
		}
		if last != info.Status {
			c.Logger.Info("Stack status", "stack", h.Name, "status", info.Status)
		}
		last = info.Status
		if info.Status.IsTerminal() {
			return nil
		}
		return retry.RetryableError(errStillWaiting)
	})
	if errors.Is(err, errStillWaiting) {
		return last, &internal.TimeoutError{Stack: h.Name, Waiting: "reach a terminal state", After: timeout, LastState: string(last)}
	}
	return last, err
}

// AwaitExists polls until a stack with the given name exists. It is used for stacks this
// process does not create itself.
func (c *StackClient) AwaitExists(ctx context.Context, name string, timeout time.Duration) (dtos.StackInfo, error) {
	b := retry.WithMaxDuration(timeout, retry.NewConstant(c.PollInterval))
	info, err := retry.DoValue(ctx, b, func(ctx context.Context) (dtos.StackInfo, error) {
		info, err := c.Describe(ctx, dtos.StackHandle{Name: name})
		if err != nil {
			return info, err
		}
		if info.Status.IsAbsent() {
			c.Logger.Debug("Stack does not exist yet", "stack", name)
			return info, retry.RetryableError(errStillWaiting)
		}
		return info, nil
	})
	if errors.Is(err, errStillWaiting) {
		return dtos.StackInfo{Name: name, Status: statemanager.StackAbsent},
			&internal.TimeoutError{Stack: name, Waiting: "appear", After: timeout, LastState: string(statemanager.StackAbsent)}
	}
	return info, err
}

// Delete requests deletion of the stack. Deleting an absent stack, or one already being
// deleted, succeeds without a request.
func (c *StackClient) Delete(ctx context.Context, h dtos.StackHandle) error {
	info, err := c.Describe(ctx, h)
	if err != nil {
		return err
	}
	switch {
	case info.Status.IsAbsent():
		c.Logger.Info("Stack already deleted", "stack", h.Name)
		return nil
	case info.Status == statemanager.StackDeleteInProgress:
		c.Logger.Info("Stack deletion already in progress", "stack", h.Name)
		return nil
	case info.Status.IsInProgress():
		return &internal.ConcurrentOperationError{Stack: h.Name, State: string(info.Status)}
	}

	token := c.newToken()
	err = c.retrier.do(ctx, "DeleteStack", func(ctx context.Context) error {
		_, err := c.CF.DeleteStackWithContext(ctx, &cloudformation.DeleteStackInput{
			StackName:          aws.String(info.StackID),
			ClientRequestToken: aws.String(token),
		})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "deleting stack %s", h.Name)
	}
	c.Logger.Info("Stack delete requested", "stack", h.Name)
	return nil
}
