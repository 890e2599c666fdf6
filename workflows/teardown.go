package workflows

import (
	"context"
	"fmt"
	"time"

	"pipeline-bootstrap/dtos"
	"pipeline-bootstrap/internal"
	statemanager "pipeline-bootstrap/state_manager"

	"github.com/cockroachdb/errors"
)

const teardownPrompt = "Enter 'yes' to terminate"

// Teardown deletes the web stack and then the CI stack, after the operator confirms.
// The build bucket is left in place.
type Teardown struct {
	deps Dependencies
	run  run
}

func NewTeardown(deps Dependencies) *Teardown {
	return &Teardown{
		deps: deps,
		run:  newRun(statemanager.WorkflowTeardown, deps.Logger),
	}
}

// AssignStateManager implements Workflow.
func (t *Teardown) AssignStateManager(state statemanager.StateManager) {
	t.run.state = state
}

// GetState implements Workflow.
func (t *Teardown) GetState() (WorkflowReport, error) {
	return t.run.report()
}

// Run implements Workflow.
func (t *Teardown) Run(ctx context.Context) error {
	cfg := t.deps.Config
	if err := t.run.start(); err != nil {
		return err
	}

	t.run.enter(statemanager.StageConfirm, "Waiting for confirmation")
	prompt := fmt.Sprintf("%s stacks %s and %s", teardownPrompt, cfg.WebStack(), cfg.CIStack())
	answer, err := t.deps.Confirmer.Ask(prompt)
	if err != nil {
		return t.run.fail(statemanager.StageConfirm, errors.Wrap(err, "reading confirmation"))
	}
	if answer != ConfirmationText {
		return t.run.fail(statemanager.StageConfirm, errors.WithHint(internal.ErrNotConfirmed,
			fmt.Sprintf("Type %q to delete the stacks", ConfirmationText)))
	}

	t.run.enter(statemanager.StageFindCIStack, "Looking up CI stack")
	ci, err := t.deps.Stacks.Describe(ctx, dtos.StackHandle{Name: cfg.CIStack()})
	t.run.observe(ci)
	if err != nil {
		return t.run.fail(statemanager.StageFindCIStack, err)
	}

	t.run.enter(statemanager.StageDeleteWebStack, "Deleting web stack")
	if err := t.destroy(ctx, webStackName(ci, cfg), cfg.WebStackTimeout); err != nil {
		return t.run.fail(statemanager.StageDeleteWebStack, err)
	}

	t.run.enter(statemanager.StageDeleteCIStack, "Deleting CI stack")
	if err := t.destroy(ctx, cfg.CIStack(), cfg.StackTimeout); err != nil {
		return t.run.fail(statemanager.StageDeleteCIStack, err)
	}

	if t.deps.AccountID != "" {
		t.run.log.Info("Build bucket is not deleted", "bucket", cfg.BucketName(t.deps.AccountID))
	}
	t.run.enter(statemanager.StageDone, "Teardown complete")
	return nil
}

// destroy deletes a stack and waits until it is gone.
func (t *Teardown) destroy(ctx context.Context, name string, timeout time.Duration) error {
	info, err := t.deps.Stacks.Describe(ctx, dtos.StackHandle{Name: name})
	t.run.observe(info)
	if err != nil {
		return err
	}
	if err := t.deps.Stacks.Delete(ctx, info.Handle()); err != nil {
		return err
	}

	state, err := t.deps.Stacks.AwaitTerminal(ctx, info.Handle(), timeout)
	t.run.observeState(name, state)
	if err != nil {
		return err
	}
	if !state.IsAbsent() {
		return &internal.RemoteLifecycleFailure{Stack: name, State: string(state)}
	}
	return nil
}
