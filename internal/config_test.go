package internal

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		"AWS_DEFAULT_REGION": "us-east-1",
		"AWS_EC2_KEYNAME":    "ops",
		"GITHUB_USERNAME":    "octo",
		"GITHUB_OAUTH_TOKEN": "token",
		"APP_NAME":           "demo",
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(envFrom(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "aws-ci-demo", cfg.GitHubRepo)
	assert.Equal(t, "master", cfg.GitHubBranch)
	assert.Equal(t, "Lambdas.zip", cfg.LambdaKey)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.APIMaxAttempts)
	assert.True(t, cfg.HealthGate)
	assert.False(t, cfg.HealthStopOnMismatch)
	assert.Equal(t, "Automation for the People", cfg.HealthExpected)
}

func TestLoadConfig_DerivedNames(t *testing.T) {
	cfg, err := LoadConfig(envFrom(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, "demo-ci", cfg.CIStack())
	assert.Equal(t, "demo-web", cfg.WebStack())
	assert.Equal(t, "builds-demo-us-east-1-123456789012", cfg.BucketName("123456789012"))

	again, err := LoadConfig(envFrom(baseEnv()))
	require.NoError(t, err)
	assert.Equal(t, cfg.BucketName("123456789012"), again.BucketName("123456789012"))
}

func TestLoadConfig_StackNameOverrides(t *testing.T) {
	env := baseEnv()
	env["CI_STACK_NAME"] = "custom-ci"
	env["WEB_STACK_NAME"] = "custom-web"

	cfg, err := LoadConfig(envFrom(env))
	require.NoError(t, err)
	assert.Equal(t, "custom-ci", cfg.CIStack())
	assert.Equal(t, "custom-web", cfg.WebStack())
}

func TestLoadConfig_RegionFallbackKey(t *testing.T) {
	env := baseEnv()
	delete(env, "AWS_DEFAULT_REGION")
	env["AWS_REGION"] = "us-west-2"

	cfg, err := LoadConfig(envFrom(env))
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", cfg.Region)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		key    string
	}{
		{"missing region", func(e map[string]string) { delete(e, "AWS_DEFAULT_REGION") }, "AWS_DEFAULT_REGION"},
		{"unsupported region", func(e map[string]string) { e["AWS_DEFAULT_REGION"] = "eu-west-1" }, "AWS_DEFAULT_REGION"},
		{"missing keypair", func(e map[string]string) { delete(e, "AWS_EC2_KEYNAME") }, "AWS_EC2_KEYNAME"},
		{"missing github user", func(e map[string]string) { delete(e, "GITHUB_USERNAME") }, "GITHUB_USERNAME"},
		{"missing token", func(e map[string]string) { delete(e, "GITHUB_OAUTH_TOKEN") }, "GITHUB_OAUTH_TOKEN"},
		{"half credentials", func(e map[string]string) { e["AWS_ACCESS_KEY_ID"] = "AKIA" }, "AWS_ACCESS_KEY_ID"},
		{"bad duration", func(e map[string]string) { e["STACK_TIMEOUT"] = "soon" }, "STACK_TIMEOUT"},
		{"zero attempts", func(e map[string]string) { e["API_MAX_ATTEMPTS"] = "0" }, "API_MAX_ATTEMPTS"},
		{"bad bool", func(e map[string]string) { e["HEALTH_GATE"] = "maybe" }, "HEALTH_GATE"},
		{"bad log level", func(e map[string]string) { e["LOG_LEVEL"] = "loud" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			tt.mutate(env)

			_, err := LoadConfig(envFrom(env))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.key, cfgErr.Key)
			assert.Equal(t, 2, ExitCode(err))
		})
	}
}

func TestLoadConfig_TokenFromSecret(t *testing.T) {
	env := baseEnv()
	delete(env, "GITHUB_OAUTH_TOKEN")
	env["GITHUB_TOKEN_SECRET_ID"] = "ci/github"

	cfg, err := LoadConfig(envFrom(env))
	require.NoError(t, err)
	assert.Equal(t, "ci/github", cfg.GitHubTokenSecretID)
}

func TestValidateLambdaSource(t *testing.T) {
	cfg, err := LoadConfig(envFrom(baseEnv()))
	require.NoError(t, err)

	cfg.LambdaSourceDir = t.TempDir()
	assert.NoError(t, cfg.ValidateLambdaSource())

	cfg.LambdaSourceDir = cfg.LambdaSourceDir + "/missing"
	err = cfg.ValidateLambdaSource()
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestRedacted(t *testing.T) {
	env := baseEnv()
	env["AWS_ACCESS_KEY_ID"] = "AKIA"
	env["AWS_SECRET_ACCESS_KEY"] = "secret"
	cfg, err := LoadConfig(envFrom(env))
	require.NoError(t, err)

	r := cfg.Redacted()
	assert.Equal(t, "***", r.AWSSecretAccessKey)
	assert.Equal(t, "***", r.GitHubToken)
	assert.Equal(t, "secret", cfg.AWSSecretAccessKey)
}

func TestLoadConfig_HealthStopOnMismatch(t *testing.T) {
	env := baseEnv()
	env["HEALTH_STOP_ON_MISMATCH"] = "true"

	cfg, err := LoadConfig(envFrom(env))
	require.NoError(t, err)
	assert.True(t, cfg.HealthStopOnMismatch)
}
