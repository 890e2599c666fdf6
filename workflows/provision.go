package workflows

import (
	"context"
	"fmt"
	"time"

	"pipeline-bootstrap/dtos"
	"pipeline-bootstrap/internal"
	statemanager "pipeline-bootstrap/state_manager"
	"pipeline-bootstrap/templates"

	"github.com/cockroachdb/errors"
)

const bundleURLExpiry = 15 * time.Minute

// ProvisionResult is what a successful provisioning run leaves behind.
type ProvisionResult struct {
	Bucket    dtos.BucketRef
	Bundle    dtos.ArtifactBundle
	BundleURL string // short-lived download link for the staged bundle
	CIStack   dtos.StackInfo
	CIOp      string
	WebStack  dtos.StackInfo
	SiteURL   string
	Health    string
}

// Provisioner brings the CI stack and the web stack it deploys to a completed state.
// Every stage starts from a fresh look at the remote state, so a run can be repeated
// after any earlier run, whatever stage it stopped in.
type Provisioner struct {
	deps    Dependencies
	builder *templates.Builder
	run     run
	result  ProvisionResult
}

func NewProvisioner(deps Dependencies) *Provisioner {
	return &Provisioner{
		deps:    deps,
		builder: templates.NewBuilder(deps.Logger),
		run:     newRun(statemanager.WorkflowProvision, deps.Logger),
	}
}

// AssignStateManager implements Workflow.
func (p *Provisioner) AssignStateManager(state statemanager.StateManager) {
	p.run.state = state
}

// GetState implements Workflow.
func (p *Provisioner) GetState() (WorkflowReport, error) {
	return p.run.report()
}

// Result returns what the most recent Run produced. After a failed run only the
// stages that completed are filled in.
func (p *Provisioner) Result() ProvisionResult {
	return p.result
}

func (p *Provisioner) ciInputs(bucket, version string) templates.CIInputs {
	return templates.CIInputs{
		Bucket:        bucket,
		LambdaVersion: version,
		GitHubToken:   p.deps.GitHubToken,
	}
}

// Run implements Workflow.
func (p *Provisioner) Run(ctx context.Context) error {
	cfg := p.deps.Config
	p.result = ProvisionResult{}
	if err := p.run.start(); err != nil {
		return err
	}
	logger := p.run.log
	bucket := cfg.BucketName(p.deps.AccountID)

	// Parameters are checked before anything remote is touched. The bundle version is
	// only known after staging, so a placeholder stands in for it here.
	if _, err := p.builder.BuildCI(cfg, p.deps.Template, p.ciInputs(bucket, "pending")); err != nil {
		return p.run.fail(statemanager.StagePending, err)
	}
	logBranchHead(ctx, p.deps, logger)

	p.run.enter(statemanager.StageEnsureStorage, "Ensuring build bucket")
	bucketRef, err := p.deps.Stager.EnsureBucket(ctx, bucket)
	if err != nil {
		return p.run.fail(statemanager.StageEnsureStorage, err)
	}
	p.result.Bucket = bucketRef

	p.run.enter(statemanager.StageStageArtifacts, "Staging function bundle")
	bundle, err := p.deps.Stager.Stage(ctx, dtos.BundleSpec{
		SourceDir: cfg.LambdaSourceDir,
		Bucket:    bucketRef.Name,
		Key:       cfg.LambdaKey,
	})
	if err != nil {
		return p.run.fail(statemanager.StageStageArtifacts, err)
	}
	p.result.Bundle = bundle
	if url, err := p.deps.Stager.PresignBundle(bundle, bundleURLExpiry); err != nil {
		logger.Warn("Could not presign bundle", "key", bundle.Key, "err", err)
	} else {
		p.result.BundleURL = url
		logger.Debug("Bundle staged", "version", bundle.VersionID, "url", url)
	}

	p.run.enter(statemanager.StageUpsertCIStack, "Creating or updating CI stack")
	descriptor, err := p.builder.BuildCI(cfg, p.deps.Template, p.ciInputs(bucketRef.Name, bundle.VersionID))
	if err != nil {
		return p.run.fail(statemanager.StageUpsertCIStack, err)
	}
	ciHandle, op, err := p.deps.Stacks.Upsert(ctx, descriptor)
	if err != nil {
		var concurrent *internal.ConcurrentOperationError
		var failed *internal.RemoteLifecycleFailure
		switch {
		case errors.As(err, &concurrent):
			p.run.observeState(descriptor.Name, statemanager.StackState(concurrent.State))
		case errors.As(err, &failed):
			p.run.observeState(descriptor.Name, statemanager.StackState(failed.State))
		}
		return p.run.fail(statemanager.StageUpsertCIStack, err)
	}
	p.result.CIOp = string(op)
	logger.Info("CI stack operation accepted", "stack", ciHandle.Name, "operation", op)

	p.run.enter(statemanager.StageAwaitCIComplete, "Waiting for CI stack")
	ciInfo, err := p.awaitSuccess(ctx, ciHandle, cfg.StackTimeout)
	if err != nil {
		return p.run.fail(statemanager.StageAwaitCIComplete, err)
	}
	p.result.CIStack = ciInfo
	logger.Info("CI stack ready",
		"source", ciInfo.Outputs["ApplicationSource"],
		"pipeline", ciInfo.Outputs["CodePipelineURL"])

	webName := webStackName(ciInfo, cfg)
	p.run.enter(statemanager.StageAwaitWebAppear, fmt.Sprintf("Waiting for the pipeline to create %s", webName))
	webInfo, err := p.deps.Stacks.AwaitExists(ctx, webName, cfg.WebAppearTimeout)
	p.run.observe(webInfo)
	if err != nil {
		return p.run.fail(statemanager.StageAwaitWebAppear, err)
	}

	p.run.enter(statemanager.StageAwaitWebComplete, "Waiting for web stack")
	webInfo, err = p.awaitSuccess(ctx, webInfo.Handle(), cfg.WebStackTimeout)
	if err != nil {
		return p.run.fail(statemanager.StageAwaitWebComplete, err)
	}
	p.result.WebStack = webInfo
	if dns := webInfo.Outputs["BalancerDNSName"]; dns != "" {
		p.result.SiteURL = "http://" + dns
	}
	logger.Info("Web stack ready", "build", webInfo.Outputs["ApplicationBuild"], "url", p.result.SiteURL)

	if cfg.HealthGate {
		p.run.enter(statemanager.StageCheckSiteHealth, "Checking site content")
		if err := p.checkSite(ctx); err != nil {
			return p.run.fail(statemanager.StageCheckSiteHealth, err)
		}
	}

	p.run.enter(statemanager.StageDone, "Provisioning complete")
	return nil
}

// awaitSuccess waits for a stack to settle and requires a successful create or update.
func (p *Provisioner) awaitSuccess(ctx context.Context, h dtos.StackHandle, timeout time.Duration) (dtos.StackInfo, error) {
	state, err := p.deps.Stacks.AwaitTerminal(ctx, h, timeout)
	p.run.observeState(h.Name, state)
	if err != nil {
		return dtos.StackInfo{}, err
	}

	info, err := p.deps.Stacks.Describe(ctx, h)
	if err != nil {
		return dtos.StackInfo{}, err
	}
	p.run.observe(info)
	if !info.Status.IsSuccess() {
		return info, &internal.RemoteLifecycleFailure{Stack: h.Name, State: string(info.Status), Reason: info.StatusReason}
	}
	return info, nil
}

func (p *Provisioner) checkSite(ctx context.Context) error {
	cfg := p.deps.Config
	if p.result.SiteURL == "" {
		return errors.Newf("stack %s has no BalancerDNSName output", p.result.WebStack.Name)
	}
	result := p.deps.Health.Check(ctx, p.result.SiteURL, cfg.HealthExpected, cfg.HealthAttempts, cfg.HealthInterval)
	p.result.Health = string(result.Status)
	return result.Err()
}
