// Package servicetest provides in-memory stand-ins for the AWS APIs used by the service
// package, for tests in this module.
package servicetest

import (
	"fmt"
	"maps"

	statemanager "pipeline-bootstrap/state_manager"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
)

// FakeStack is one stack held by FakeCloudFormation. Each DescribeStacks call reports
// Status and then moves the stack to the head of Next, if any.
type FakeStack struct {
	ID         string
	Name       string
	Status     statemanager.StackState
	Reason     string
	Template   string
	Parameters map[string]string
	Outputs    map[string]string
	Next       []statemanager.StackState
}

// FakeCloudFormation implements the stack operations of CloudFormationAPI. Calling any
// other method panics. It is not safe for concurrent use.
type FakeCloudFormation struct {
	cloudformationiface.CloudFormationAPI

	stacks  map[string]*FakeStack
	deleted map[string]*FakeStack
	seq     int

	// Calls records every mutating request as "<Operation> <stack>".
	Calls []string
	// Throttle makes the next n calls of an operation fail with a throttling error.
	Throttle map[string]int
	// Outputs are attached to a stack when it is created.
	Outputs map[string]map[string]string
	// CreateScript, UpdateScript and DeleteScript are the states a stack walks through
	// after the request is accepted. They default to a single successful completion.
	CreateScript []statemanager.StackState
	UpdateScript []statemanager.StackState
	DeleteScript []statemanager.StackState
	// OnSettled runs whenever a stack reaches a state that is not in progress.
	OnSettled func(f *FakeCloudFormation, stack *FakeStack)
}

func NewFakeCloudFormation() *FakeCloudFormation {
	return &FakeCloudFormation{
		stacks:   make(map[string]*FakeStack),
		deleted:  make(map[string]*FakeStack),
		Throttle: make(map[string]int),
		Outputs:  make(map[string]map[string]string),
	}
}

// Put adds or replaces a stack.
func (f *FakeCloudFormation) Put(stack *FakeStack) *FakeStack {
	if stack.ID == "" {
		f.seq++
		stack.ID = fmt.Sprintf("arn:aws:cloudformation:us-east-1:123456789012:stack/%s/%d", stack.Name, f.seq)
	}
	f.stacks[stack.Name] = stack
	return stack
}

// Stack returns the live stack with the given name, or nil.
func (f *FakeCloudFormation) Stack(name string) *FakeStack {
	return f.stacks[name]
}

// Mutations returns the recorded mutating calls.
func (f *FakeCloudFormation) Mutations() []string {
	return append([]string(nil), f.Calls...)
}

func (f *FakeCloudFormation) throttled(op string) error {
	if f.Throttle[op] > 0 {
		f.Throttle[op]--
		return awserr.NewRequestFailure(awserr.New("Throttling", "Rate exceeded", nil), 400, "req-throttled")
	}
	return nil
}

func (f *FakeCloudFormation) lookup(ref string) *FakeStack {
	if s, ok := f.stacks[ref]; ok {
		return s
	}
	for _, s := range f.stacks {
		if s.ID == ref {
			return s
		}
	}
	return f.deleted[ref]
}

func (f *FakeCloudFormation) advance(s *FakeStack) {
	if len(s.Next) == 0 {
		return
	}
	s.Status, s.Next = s.Next[0], s.Next[1:]
	if s.Status == statemanager.StackDeleteComplete {
		delete(f.stacks, s.Name)
		f.deleted[s.ID] = s
	}
	if !s.Status.IsInProgress() && f.OnSettled != nil {
		f.OnSettled(f, s)
	}
}

func notExist(ref string) error {
	return awserr.NewRequestFailure(
		awserr.New("ValidationError", fmt.Sprintf("Stack with id %s does not exist", ref), nil), 400, "req-missing")
}

func (f *FakeCloudFormation) DescribeStacksWithContext(_ aws.Context, in *cloudformation.DescribeStacksInput, _ ...request.Option) (*cloudformation.DescribeStacksOutput, error) {
	if err := f.throttled("DescribeStacks"); err != nil {
		return nil, err
	}

	ref := aws.StringValue(in.StackName)
	s := f.lookup(ref)
	if s == nil || (s.Status == statemanager.StackDeleteComplete && ref == s.Name) {
		return nil, notExist(ref)
	}

	stack := &cloudformation.Stack{
		StackId:     aws.String(s.ID),
		StackName:   aws.String(s.Name),
		StackStatus: aws.String(string(s.Status)),
	}
	if s.Reason != "" {
		stack.StackStatusReason = aws.String(s.Reason)
	}
	for k, v := range s.Outputs {
		stack.Outputs = append(stack.Outputs, &cloudformation.Output{OutputKey: aws.String(k), OutputValue: aws.String(v)})
	}
	f.advance(s)
	return &cloudformation.DescribeStacksOutput{Stacks: []*cloudformation.Stack{stack}}, nil
}

func script(s []statemanager.StackState, fallback statemanager.StackState) []statemanager.StackState {
	if len(s) == 0 {
		return []statemanager.StackState{fallback}
	}
	return append([]statemanager.StackState(nil), s...)
}

func parameters(in []*cloudformation.Parameter) map[string]string {
	out := make(map[string]string, len(in))
	for _, p := range in {
		out[aws.StringValue(p.ParameterKey)] = aws.StringValue(p.ParameterValue)
	}
	return out
}

func (f *FakeCloudFormation) CreateStackWithContext(_ aws.Context, in *cloudformation.CreateStackInput, _ ...request.Option) (*cloudformation.CreateStackOutput, error) {
	if err := f.throttled("CreateStack"); err != nil {
		return nil, err
	}

	name := aws.StringValue(in.StackName)
	if _, ok := f.stacks[name]; ok {
		return nil, awserr.New(cloudformation.ErrCodeAlreadyExistsException, fmt.Sprintf("Stack [%s] already exists", name), nil)
	}
	f.Calls = append(f.Calls, "CreateStack "+name)
	s := f.Put(&FakeStack{
		Name:       name,
		Status:     statemanager.StackCreateInProgress,
		Template:   aws.StringValue(in.TemplateBody),
		Parameters: parameters(in.Parameters),
		Outputs:    maps.Clone(f.Outputs[name]),
		Next:       script(f.CreateScript, statemanager.StackCreateComplete),
	})
	return &cloudformation.CreateStackOutput{StackId: aws.String(s.ID)}, nil
}

func (f *FakeCloudFormation) UpdateStackWithContext(_ aws.Context, in *cloudformation.UpdateStackInput, _ ...request.Option) (*cloudformation.UpdateStackOutput, error) {
	if err := f.throttled("UpdateStack"); err != nil {
		return nil, err
	}

	name := aws.StringValue(in.StackName)
	s, ok := f.stacks[name]
	if !ok {
		return nil, notExist(name)
	}
	if s.Status.IsInProgress() {
		return nil, awserr.New("ValidationError",
			fmt.Sprintf("Stack:%s is in %s state and can not be updated.", s.ID, s.Status), nil)
	}
	params := parameters(in.Parameters)
	if s.Template == aws.StringValue(in.TemplateBody) && maps.Equal(s.Parameters, params) {
		return nil, awserr.New("ValidationError", "No updates are to be performed.", nil)
	}

	f.Calls = append(f.Calls, "UpdateStack "+name)
	s.Template = aws.StringValue(in.TemplateBody)
	s.Parameters = params
	s.Status = statemanager.StackUpdateInProgress
	s.Next = script(f.UpdateScript, statemanager.StackUpdateComplete)
	return &cloudformation.UpdateStackOutput{StackId: aws.String(s.ID)}, nil
}

func (f *FakeCloudFormation) DeleteStackWithContext(_ aws.Context, in *cloudformation.DeleteStackInput, _ ...request.Option) (*cloudformation.DeleteStackOutput, error) {
	if err := f.throttled("DeleteStack"); err != nil {
		return nil, err
	}

	ref := aws.StringValue(in.StackName)
	s := f.lookup(ref)
	if s == nil || s.Status == statemanager.StackDeleteComplete {
		return &cloudformation.DeleteStackOutput{}, nil
	}
	f.Calls = append(f.Calls, "DeleteStack "+s.Name)
	s.Status = statemanager.StackDeleteInProgress
	s.Next = script(f.DeleteScript, statemanager.StackDeleteComplete)
	return &cloudformation.DeleteStackOutput{}, nil
}
