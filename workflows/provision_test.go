package workflows

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pipeline-bootstrap/internal"
	"pipeline-bootstrap/service"
	"pipeline-bootstrap/service/servicetest"
	statemanager "pipeline-bootstrap/state_manager"
	"pipeline-bootstrap/templates"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const siteContent = "Automation for the People"

type fixture struct {
	cfg    internal.Config
	cf     *servicetest.FakeCloudFormation
	s3     *s3.S3
	stacks *service.StackClient
	deps   Dependencies
	out    *bytes.Buffer
}

func testConfig(t *testing.T) internal.Config {
	t.Helper()
	lambdaDir := t.TempDir()
	servicetest.WriteFiles(t, lambdaDir, map[string]string{
		"lambdabuild.py":  "def lambda_handler(event, context): pass\n",
		"lambdaupdate.py": "def lambda_handler(event, context): pass\n",
	})

	return internal.Config{
		Region:           "us-east-1",
		AppName:          "demo",
		KeyName:          "ops",
		GitHubUser:       "octo",
		GitHubRepo:       "aws-ci-demo",
		GitHubBranch:     "master",
		GitHubToken:      "token",
		LambdaSourceDir:  lambdaDir,
		LambdaKey:        "Lambdas.zip",
		PollInterval:     time.Millisecond,
		StackTimeout:     time.Second,
		WebAppearTimeout: 50 * time.Millisecond,
		WebStackTimeout:  time.Second,
		APIMaxAttempts:   3,
		HealthExpected:   siteContent,
		HealthAttempts:   3,
		HealthInterval:   time.Millisecond,
		HealthGate:       true,
		LogLevel:         "debug",
	}
}

// site serves body and returns the host the web stack publishes as its DNS name.
func site(t *testing.T, body string) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<h1>%s</h1>", body)
	}))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

// pipelineDeploys makes the fake behave like the release pipeline: once the CI stack
// settles successfully, the web stack is created or updated.
func pipelineDeploys(dns string) func(f *servicetest.FakeCloudFormation, s *servicetest.FakeStack) {
	build := 0
	return func(f *servicetest.FakeCloudFormation, s *servicetest.FakeStack) {
		if s.Name != "demo-ci" || !s.Status.IsSuccess() {
			return
		}
		build++
		outputs := map[string]string{
			"BalancerDNSName":  dns,
			"ApplicationBuild": fmt.Sprintf("build-%d", build),
		}
		if web := f.Stack("demo-web"); web != nil {
			web.Status = statemanager.StackUpdateInProgress
			web.Next = []statemanager.StackState{statemanager.StackUpdateComplete}
			web.Outputs = outputs
			return
		}
		f.Put(&servicetest.FakeStack{
			Name:    "demo-web",
			Status:  statemanager.StackCreateInProgress,
			Next:    []statemanager.StackState{statemanager.StackCreateInProgress, statemanager.StackCreateComplete},
			Outputs: outputs,
		})
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig(t)
	logger := internal.DiscardLogger()

	cf := servicetest.NewFakeCloudFormation()
	cf.Outputs["demo-ci"] = map[string]string{
		"ApplicationSource": "https://github.com/octo/aws-ci-demo/tree/master",
		"CodePipelineURL":   "https://console.aws.amazon.com/codepipeline/home?region=us-east-1#/view/demo-pipeline",
		"WebStackName":      "demo-web",
	}
	client := servicetest.NewS3(t, cfg.Region)
	stacks := service.NewStackClient(cf, logger, cfg)
	stacks.SetRetryBase(time.Millisecond)

	tmpl, err := templates.CITemplate("")
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return &fixture{
		cfg:    cfg,
		cf:     cf,
		s3:     client,
		stacks: stacks,
		out:    out,
		deps: Dependencies{
			Config:      cfg,
			Logger:      logger,
			AccountID:   servicetest.AccountID,
			GitHubToken: cfg.GitHubToken,
			Template:    tmpl,
			Stager:      service.NewStager(client, logger, cfg.Region, servicetest.AccountID),
			Stacks:      stacks,
			Health:      service.NewHealthPoller(logger),
			Out:         out,
		},
	}
}

func stages(t *testing.T, w Workflow) []statemanager.Stage {
	t.Helper()
	report, err := w.GetState()
	require.NoError(t, err)
	var out []statemanager.Stage
	for _, tr := range report.Transitions[1:] {
		out = append(out, tr.To)
	}
	return out
}

func TestProvision_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cf.OnSettled = pipelineDeploys(site(t, siteContent))

	p := NewProvisioner(f.deps)
	require.NoError(t, p.Run(ctx))

	result := p.Result()
	assert.Equal(t, "builds-demo-us-east-1-123456789012", result.Bucket.Name)
	assert.Equal(t, "us-east-1", result.Bucket.Region)
	assert.NotEmpty(t, result.Bundle.VersionID)
	assert.Contains(t, result.BundleURL, "Lambdas.zip")
	assert.Equal(t, "demo-ci", result.CIStack.Name)
	assert.Equal(t, string(service.OperationCreate), result.CIOp)
	assert.Equal(t, "demo-web", result.WebStack.Name)
	assert.Equal(t, string(service.Healthy), result.Health)
	assert.Equal(t, statemanager.ProvisioningStages, stages(t, p))

	ci := f.cf.Stack("demo-ci")
	require.NotNil(t, ci)
	assert.Equal(t, "builds-demo-us-east-1-123456789012", ci.Parameters["BuildBucket"])
	assert.Equal(t, result.Bundle.VersionID, ci.Parameters["LambdaLatestVersion"])
	assert.Equal(t, "demo-web", ci.Parameters["WebStackName"])

	// the published endpoint is healthy after the run
	health := service.NewHealthPoller(internal.DiscardLogger())
	check := health.Check(ctx, result.SiteURL, siteContent, 1, time.Millisecond)
	assert.True(t, check.Healthy())
}

func TestProvision_SecondRunUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cf.OnSettled = pipelineDeploys(site(t, siteContent))

	first := NewProvisioner(f.deps)
	require.NoError(t, first.Run(ctx))

	second := NewProvisioner(f.deps)
	require.NoError(t, second.Run(ctx))
	assert.Equal(t, first.Result().Bucket, second.Result().Bucket)
	assert.Equal(t, string(service.OperationUpdate), second.Result().CIOp)
	assert.Equal(t, "build-2", second.Result().WebStack.Outputs["ApplicationBuild"])

	assert.Equal(t, []string{"CreateStack demo-ci", "UpdateStack demo-ci"}, f.cf.Mutations())
	report, err := second.GetState()
	require.NoError(t, err)
	assert.Equal(t, statemanager.StageDone, report.Stage)
}

func TestProvision_MissingParameterBeforeAnyRemoteCall(t *testing.T) {
	f := newFixture(t)
	f.deps.GitHubToken = ""

	p := NewProvisioner(f.deps)
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, internal.ErrMissingParameter))
	assert.Equal(t, 2, internal.ExitCode(err))

	var stageErr *internal.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, string(statemanager.StagePending), stageErr.Stage)

	buckets, err := f.s3.ListBuckets(&s3.ListBucketsInput{})
	require.NoError(t, err)
	assert.Empty(t, buckets.Buckets)
	assert.Empty(t, f.cf.Mutations())
}

func TestProvision_CIRollback(t *testing.T) {
	f := newFixture(t)
	f.cf.CreateScript = []statemanager.StackState{statemanager.StackRollbackInProgress, statemanager.StackRollbackComplete}

	p := NewProvisioner(f.deps)
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, internal.ErrRemoteLifecycle))
	assert.Equal(t, 1, internal.ExitCode(err))

	var stageErr *internal.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, string(statemanager.StageAwaitCIComplete), stageErr.Stage)
	assert.Equal(t, string(statemanager.StackRollbackComplete), stageErr.LastState)

	report, err := p.GetState()
	require.NoError(t, err)
	assert.Equal(t, statemanager.StageFailed, report.Stage)

	// a rerun refuses to touch the rolled back stack
	err = NewProvisioner(f.deps).Run(context.Background())
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, string(statemanager.StageUpsertCIStack), stageErr.Stage)
	assert.Equal(t, []string{"CreateStack demo-ci"}, f.cf.Mutations())
}

func TestProvision_ConcurrentOperation(t *testing.T) {
	f := newFixture(t)
	f.cf.Put(&servicetest.FakeStack{Name: "demo-ci", Status: statemanager.StackUpdateInProgress})

	err := NewProvisioner(f.deps).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, internal.ErrConcurrentOperation))

	var stageErr *internal.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, string(statemanager.StageUpsertCIStack), stageErr.Stage)
	assert.Equal(t, string(statemanager.StackUpdateInProgress), stageErr.LastState)
	assert.Empty(t, f.cf.Mutations())
}

func TestProvision_WebStackNeverAppears(t *testing.T) {
	f := newFixture(t)

	err := NewProvisioner(f.deps).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, internal.ErrTimeout))

	var stageErr *internal.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, string(statemanager.StageAwaitWebAppear), stageErr.Stage)
	assert.Equal(t, string(statemanager.StackAbsent), stageErr.LastState)
}

func TestProvision_HealthGate(t *testing.T) {
	f := newFixture(t)
	f.cf.OnSettled = pipelineDeploys(site(t, "Automation by the People"))

	err := NewProvisioner(f.deps).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, internal.ErrContentHealth))

	var stageErr *internal.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, string(statemanager.StageCheckSiteHealth), stageErr.Stage)
}

func TestProvision_HealthGateDisabled(t *testing.T) {
	f := newFixture(t)
	f.deps.Config.HealthGate = false
	f.cf.OnSettled = pipelineDeploys(site(t, "Automation by the People"))

	p := NewProvisioner(f.deps)
	require.NoError(t, p.Run(context.Background()))
	assert.NotContains(t, stages(t, p), statemanager.StageCheckSiteHealth)
}

func TestProvision_HealthGateStopsOnMismatch(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<h1>Automation by the People</h1>")
	}))
	t.Cleanup(ts.Close)

	f := newFixture(t)
	health := service.NewHealthPoller(internal.DiscardLogger())
	health.StopOnMismatch = true
	f.deps.Health = health
	f.cf.OnSettled = pipelineDeploys(strings.TrimPrefix(ts.URL, "http://"))

	err := NewProvisioner(f.deps).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, internal.ErrContentHealth))
	assert.Equal(t, int32(1), hits.Load())
}

func TestProvision_ResultResetOnRerun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cf.OnSettled = pipelineDeploys(site(t, siteContent))

	p := NewProvisioner(f.deps)
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, "demo-ci", p.Result().CIStack.Name)

	f.cf.Stack("demo-ci").Status = statemanager.StackUpdateInProgress
	err := p.Run(ctx)
	assert.True(t, errors.Is(err, internal.ErrConcurrentOperation))

	result := p.Result()
	assert.Equal(t, "builds-demo-us-east-1-123456789012", result.Bucket.Name)
	assert.Empty(t, result.CIStack.Name)
	assert.Empty(t, result.WebStack.Name)
	assert.Empty(t, result.SiteURL)
	assert.Empty(t, result.Health)
}

func TestGetWorkflowExecutor(t *testing.T) {
	f := newFixture(t)
	for _, name := range AvailableWorkflows {
		assert.NotNil(t, GetWorkflowExecutor(name, f.deps), name)
	}
	assert.Nil(t, GetWorkflowExecutor("deploy", f.deps))

	_, err := NewStatus(f.deps).GetState()
	assert.Error(t, err)
}
