package workflows

import (
	"context"
	"io"
	"time"

	"pipeline-bootstrap/dtos"
	"pipeline-bootstrap/internal"
	"pipeline-bootstrap/service"
	statemanager "pipeline-bootstrap/state_manager"
	"pipeline-bootstrap/templates"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type WorkflowReport struct {
	RunID       string
	Workflow    string
	Stage       statemanager.Stage
	LastStack   string
	LastState   statemanager.StackState
	Transitions []statemanager.StateTransition
}

type Workflow interface {
	Run(ctx context.Context) error
	GetState() (WorkflowReport, error)
	AssignStateManager(state statemanager.StateManager)
}

var AvailableWorkflows = []string{
	statemanager.WorkflowProvision,
	statemanager.WorkflowStatus,
	statemanager.WorkflowTeardown,
}

// ArtifactStager is the part of service.Stager the provisioning workflow uses.
type ArtifactStager interface {
	EnsureBucket(ctx context.Context, bucket string) (dtos.BucketRef, error)
	Stage(ctx context.Context, spec dtos.BundleSpec) (dtos.ArtifactBundle, error)
	PresignBundle(bundle dtos.ArtifactBundle, expiry time.Duration) (string, error)
}

// StackLifecycle is the part of service.StackClient the workflows use.
type StackLifecycle interface {
	Describe(ctx context.Context, h dtos.StackHandle) (dtos.StackInfo, error)
	Upsert(ctx context.Context, d dtos.StackDescriptor) (dtos.StackHandle, service.Operation, error)
	AwaitTerminal(ctx context.Context, h dtos.StackHandle, timeout time.Duration) (statemanager.StackState, error)
	AwaitExists(ctx context.Context, name string, timeout time.Duration) (dtos.StackInfo, error)
	Delete(ctx context.Context, h dtos.StackHandle) error
}

type HealthChecker interface {
	Check(ctx context.Context, url, expected string, attempts int, interval time.Duration) service.HealthResult
}

// Dependencies are the collaborators a workflow runs against. Only the ones a workflow
// needs have to be set.
type Dependencies struct {
	Config      internal.Config
	Logger      *log.Logger
	AccountID   string
	GitHubToken string
	Template    templates.Template

	Stager    ArtifactStager
	Stacks    StackLifecycle
	Health    HealthChecker
	Confirmer Confirmer

	// BranchHead resolves the commit the pipeline will build. Failures are only logged.
	BranchHead func(ctx context.Context) (string, error)
	// Out receives command results meant for stdout.
	Out io.Writer
}

func GetWorkflowExecutor(workflow string, deps Dependencies) Workflow {
	switch workflow {
	case statemanager.WorkflowProvision:
		return NewProvisioner(deps)
	case statemanager.WorkflowStatus:
		return NewStatus(deps)
	case statemanager.WorkflowTeardown:
		return NewTeardown(deps)
	default:
		return nil
	}
}

// run holds what every workflow records about itself while it executes.
type run struct {
	name  string
	id    string
	state statemanager.StateManager
	log   *log.Logger
}

func newRun(name string, logger *log.Logger) run {
	return run{
		name:  name,
		state: statemanager.NewLocalStateManager(),
		log:   logger,
	}
}

func (r *run) start() error {
	r.id = uuid.NewString()
	r.log = r.log.With("run", r.id[:8])
	return r.state.CreateState(r.id, r.name)
}

func (r *run) enter(stage statemanager.Stage, reason string) {
	r.log.Info(reason, "stage", stage)
	if err := r.state.UpdateStage(r.id, reason, stage); err != nil {
		r.log.Warn("Failed to record stage", "stage", stage, "err", err)
	}
}

func (r *run) observe(info dtos.StackInfo) {
	r.observeState(info.Name, info.Status)
}

func (r *run) observeState(stack string, status statemanager.StackState) {
	if status == "" {
		return
	}
	if err := r.state.ObserveStack(r.id, stack, status); err != nil {
		r.log.Warn("Failed to record stack state", "stack", stack, "err", err)
	}
}

// fail moves the run to FAILED and wraps err with the stage it stopped in and the last
// stack state it saw.
func (r *run) fail(stage statemanager.Stage, err error) error {
	state, _ := r.state.GetState(r.id)
	if uerr := r.state.UpdateStage(r.id, err.Error(), statemanager.StageFailed); uerr != nil {
		r.log.Warn("Failed to record stage", "stage", statemanager.StageFailed, "err", uerr)
	}
	return &internal.StageError{Stage: string(stage), LastState: string(state.LastObserved()), Err: err}
}

func (r *run) report() (WorkflowReport, error) {
	if r.id == "" {
		return WorkflowReport{}, errors.Newf("%s workflow has not started", r.name)
	}
	state, err := r.state.GetState(r.id)
	if err != nil {
		return WorkflowReport{}, err
	}
	return WorkflowReport{
		RunID:       r.id,
		Workflow:    state.Workflow,
		Stage:       state.Stage,
		LastStack:   state.LastStack,
		LastState:   state.LastObserved(),
		Transitions: state.Transitions,
	}, nil
}

// webStackName prefers the name the CI stack publishes over the configured one.
func webStackName(ci dtos.StackInfo, config internal.Config) string {
	if name := ci.Outputs["WebStackName"]; name != "" {
		return name
	}
	return config.WebStack()
}

func logBranchHead(ctx context.Context, deps Dependencies, logger *log.Logger) {
	if deps.BranchHead == nil {
		return
	}
	head, err := deps.BranchHead(ctx)
	if err != nil {
		logger.Warn("Could not resolve branch head", "branch", deps.Config.GitHubBranch, "err", err)
		return
	}
	logger.Info("Source branch head", "branch", deps.Config.GitHubBranch, "commit", head)
}
