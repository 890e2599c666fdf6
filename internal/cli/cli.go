// Package cli wires configuration, AWS clients and a workflow into a cobra command.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"pipeline-bootstrap/internal"
	"pipeline-bootstrap/service"
	statemanager "pipeline-bootstrap/state_manager"
	"pipeline-bootstrap/templates"
	"pipeline-bootstrap/workflows"

	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type options struct {
	envFile  string
	logLevel string
}

// NewCommand returns the command that runs the named workflow.
func NewCommand(use, workflow, short string) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), workflow, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load instead of .env")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	return cmd
}

// Main runs cmd until it finishes or the process is interrupted, and returns the exit
// code.
func Main(cmd *cobra.Command) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	PrintError(os.Stderr, err)
	return internal.ExitCode(err)
}

// PrintError writes err and any hints attached to it.
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if hints := errors.FlattenHints(err); hints != "" {
		fmt.Fprintf(w, "Hint: %s\n", hints)
	}
}

func execute(ctx context.Context, workflow string, opts *options, out io.Writer) error {
	cfg, err := internal.LoadConfigFromEnv(opts.envFile)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := internal.NewLogger(level)
	logger.Debug("Loaded configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))

	deps, err := dependencies(ctx, workflow, cfg, logger, out)
	if err != nil {
		return err
	}
	executor := workflows.GetWorkflowExecutor(workflow, deps)
	if executor == nil {
		return errors.Newf("unknown workflow %q", workflow)
	}
	return executor.Run(ctx)
}

// placeholder stands in for values that are only known once AWS has been reached.
const placeholder = "pending"

func dependencies(ctx context.Context, workflow string, cfg internal.Config, logger *log.Logger, out io.Writer) (workflows.Dependencies, error) {
	var tmpl templates.Template
	if workflow == statemanager.WorkflowProvision {
		var err error
		if tmpl, err = preflight(cfg, logger); err != nil {
			return workflows.Dependencies{}, err
		}
	}

	clients, err := service.NewAWSClients(cfg)
	if err != nil {
		return workflows.Dependencies{}, err
	}
	accountID, err := service.AccountID(ctx, clients.STS)
	if err != nil {
		return workflows.Dependencies{}, err
	}
	logger.Debug("Resolved AWS account", "account", accountID, "region", cfg.Region)

	deps := baseDependencies(cfg, logger, accountID, clients.CloudFormation, out)
	switch workflow {
	case statemanager.WorkflowProvision:
		token, err := service.ResolveGitHubToken(ctx, clients.SecretsManager, cfg)
		if err != nil {
			return workflows.Dependencies{}, err
		}
		deps.GitHubToken = token
		deps.Template = tmpl
		deps.Stager = service.NewStager(clients.S3, logger, cfg.Region, accountID)
		deps.BranchHead = branchHead(cfg, token)
	case statemanager.WorkflowStatus:
		deps.BranchHead = branchHead(cfg, sourceToken(ctx, clients.SecretsManager, cfg, logger))
	case statemanager.WorkflowTeardown:
		deps.Confirmer = workflows.NewPromptConfirmer(os.Stdin, os.Stderr)
	}
	return deps, nil
}

// preflight runs the local provisioning checks: the function sources, the CI template
// and the parameters it declares. Placeholders stand in for the bucket, the bundle
// version and a token that still has to be read from Secrets Manager.
func preflight(cfg internal.Config, logger *log.Logger) (templates.Template, error) {
	if err := cfg.ValidateLambdaSource(); err != nil {
		return templates.Template{}, err
	}
	tmpl, err := templates.CITemplate(cfg.CITemplatePath)
	if err != nil {
		return templates.Template{}, err
	}
	token := cfg.GitHubToken
	if token == "" {
		token = placeholder
	}
	_, err = templates.NewBuilder(logger).BuildCI(cfg, tmpl, templates.CIInputs{
		Bucket:        cfg.BucketName(placeholder),
		LambdaVersion: placeholder,
		GitHubToken:   token,
	})
	if err != nil {
		return templates.Template{}, err
	}
	return tmpl, nil
}

func baseDependencies(cfg internal.Config, logger *log.Logger, accountID string, cf cloudformationiface.CloudFormationAPI, out io.Writer) workflows.Dependencies {
	health := service.NewHealthPoller(logger)
	health.StopOnMismatch = cfg.HealthStopOnMismatch
	return workflows.Dependencies{
		Config:    cfg,
		Logger:    logger,
		AccountID: accountID,
		Stacks:    service.NewStackClient(cf, logger, cfg),
		Health:    health,
		Out:       out,
	}
}

// sourceToken resolves the GitHub token for read-only use. Without one the branch head
// is read anonymously.
func sourceToken(ctx context.Context, client secretsmanageriface.SecretsManagerAPI, cfg internal.Config, logger *log.Logger) string {
	token, err := service.ResolveGitHubToken(ctx, client, cfg)
	if err != nil {
		logger.Warn("Could not resolve GitHub token, reading the branch anonymously", "err", err)
		return ""
	}
	return token
}

func branchHead(cfg internal.Config, token string) func(context.Context) (string, error) {
	repo := service.SourceRepo{
		Owner:  cfg.GitHubUser,
		Name:   cfg.GitHubRepo,
		Branch: cfg.GitHubBranch,
		Token:  token,
	}
	return func(ctx context.Context) (string, error) {
		return service.BranchHead(ctx, repo)
	}
}
