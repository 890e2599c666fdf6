package workflows

import (
	"context"
	"fmt"

	"pipeline-bootstrap/dtos"
	"pipeline-bootstrap/service"
	statemanager "pipeline-bootstrap/state_manager"

	"github.com/cockroachdb/errors"
)

// Status checks that both stacks exist and that the site serves the expected content.
// It prints OK on success and NOT OK when the site answers with the wrong content.
type Status struct {
	deps   Dependencies
	run    run
	Result service.HealthResult
}

func NewStatus(deps Dependencies) *Status {
	return &Status{
		deps: deps,
		run:  newRun(statemanager.WorkflowStatus, deps.Logger),
	}
}

// AssignStateManager implements Workflow.
func (s *Status) AssignStateManager(state statemanager.StateManager) {
	s.run.state = state
}

// GetState implements Workflow.
func (s *Status) GetState() (WorkflowReport, error) {
	return s.run.report()
}

func (s *Status) find(ctx context.Context, name string) (dtos.StackInfo, error) {
	info, err := s.deps.Stacks.Describe(ctx, dtos.StackHandle{Name: name})
	s.run.observe(info)
	if err != nil {
		return info, err
	}
	if info.Status.IsAbsent() {
		return info, errors.WithHint(errors.Newf("stack %s does not exist", name), "Run provision first")
	}
	s.run.log.Info("Found stack", "stack", name, "status", info.Status)
	return info, nil
}

// Run implements Workflow.
func (s *Status) Run(ctx context.Context) error {
	cfg := s.deps.Config
	if err := s.run.start(); err != nil {
		return err
	}

	s.run.enter(statemanager.StageFindCIStack, "Looking up CI stack")
	ci, err := s.find(ctx, cfg.CIStack())
	if err != nil {
		return s.run.fail(statemanager.StageFindCIStack, err)
	}

	s.run.enter(statemanager.StageFindWebStack, "Looking up web stack")
	web, err := s.find(ctx, webStackName(ci, cfg))
	if err != nil {
		return s.run.fail(statemanager.StageFindWebStack, err)
	}
	s.run.log.Info("Deployed build", "build", web.Outputs["ApplicationBuild"])
	logBranchHead(ctx, s.deps, s.run.log)

	s.run.enter(statemanager.StageCheckSiteHealth, "Checking site content")
	dns := web.Outputs["BalancerDNSName"]
	if dns == "" {
		return s.run.fail(statemanager.StageCheckSiteHealth, errors.Newf("stack %s has no BalancerDNSName output", web.Name))
	}
	// Single attempt: status reports what the site serves now.
	s.Result = s.deps.Health.Check(ctx, "http://"+dns, cfg.HealthExpected, 1, cfg.HealthInterval)
	if err := s.Result.Err(); err != nil {
		if s.Result.Kind == service.FailureContentMismatch {
			s.print("NOT OK")
		}
		return s.run.fail(statemanager.StageCheckSiteHealth, err)
	}

	s.print("OK")
	s.run.enter(statemanager.StageDone, "Site is healthy")
	return nil
}

func (s *Status) print(line string) {
	if s.deps.Out != nil {
		fmt.Fprintln(s.deps.Out, line)
	}
}
