package internal

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// SupportedRegions are the regions the CI template and its pipeline actions are known to work in.
var SupportedRegions = []string{"us-east-1", "us-west-2"}

// Config is the deployment configuration for one invocation. It is built once by
// LoadConfig and passed by value; nothing mutates it afterwards.
type Config struct {
	// Credentials. Either both or neither; when neither is set the default AWS chain is used.
	AWSAccessKeyID     string `key:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `key:"AWS_SECRET_ACCESS_KEY"`
	Region             string `key:"AWS_DEFAULT_REGION,AWS_REGION" required:"true"`
	KeyName            string `key:"AWS_EC2_KEYNAME" required:"true"`

	// Naming
	AppName      string `key:"APP_NAME" default:"a4tp"`
	CIStackName  string `key:"CI_STACK_NAME"`
	WebStackName string `key:"WEB_STACK_NAME"`

	// Source repository
	GitHubUser          string `key:"GITHUB_USERNAME" required:"true"`
	GitHubRepo          string `key:"GITHUB_REPO_NAME" default:"aws-ci-demo"`
	GitHubBranch        string `key:"GITHUB_BRANCH_NAME" default:"master"`
	GitHubToken         string `key:"GITHUB_OAUTH_TOKEN"`
	GitHubTokenSecretID string `key:"GITHUB_TOKEN_SECRET_ID"`

	// Artifacts and templates
	LambdaSourceDir string `key:"LAMBDA_SOURCE_DIR" default:"lambda"`
	LambdaKey       string `key:"LAMBDA_KEY" default:"Lambdas.zip"`
	CITemplatePath  string `key:"CI_TEMPLATE_PATH"`

	// Waiting
	PollInterval     time.Duration `key:"STACK_POLL_INTERVAL" default:"15s"`
	StackTimeout     time.Duration `key:"STACK_TIMEOUT" default:"10m"`
	WebAppearTimeout time.Duration `key:"WEB_APPEAR_TIMEOUT" default:"10m"`
	WebStackTimeout  time.Duration `key:"WEB_STACK_TIMEOUT" default:"20m"`
	APIMaxAttempts   int           `key:"API_MAX_ATTEMPTS" default:"5"`

	// Health check
	HealthExpected       string        `key:"HEALTH_EXPECTED" default:"Automation for the People"`
	HealthAttempts       int           `key:"HEALTH_ATTEMPTS" default:"60"`
	HealthInterval       time.Duration `key:"HEALTH_INTERVAL" default:"10s"`
	HealthGate           bool          `key:"HEALTH_GATE" default:"true"`
	HealthStopOnMismatch bool          `key:"HEALTH_STOP_ON_MISMATCH" default:"false"`

	LogLevel string `key:"LOG_LEVEL" default:"info"`
}

// LoadConfigFromEnv loads an optional dotenv file into the process environment and then
// builds the configuration from it. An explicitly named env file must exist; the default
// .env is optional.
func LoadConfigFromEnv(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, NewConfigurationError("env-file", err.Error(), "Check the path passed with --env-file")
		}
	} else if err := godotenv.Load(); err != nil {
		log.Debug("No .env file loaded", "err", err)
	}
	return LoadConfig(os.Getenv)
}

// LoadConfig reads every field of Config from getenv using the field's key tag, applies
// defaults and validates the result.
func LoadConfig(getenv func(string) string) (Config, error) {
	config := Config{}
	elem := reflect.ValueOf(&config).Elem()

	for _, field := range reflect.VisibleFields(elem.Type()) {
		keys := strings.Split(field.Tag.Get("key"), ",")
		fieldValue := ""
		for _, key := range keys {
			if fieldValue = strings.TrimSpace(getenv(key)); fieldValue != "" {
				break
			}
		}
		if fieldValue == "" {
			fieldValue = field.Tag.Get("default")
		}
		if fieldValue == "" {
			if field.Tag.Get("required") == "true" {
				return Config{}, NewConfigurationError(keys[0], "is required", fmt.Sprintf("Set the %s environment variable", keys[0]))
			}
			continue
		}

		if err := setField(elem.FieldByIndex(field.Index), fieldValue); err != nil {
			return Config{}, NewConfigurationError(keys[0], err.Error(), "")
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func setField(v reflect.Value, raw string) error {
	if v.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		v.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		v.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", v.Kind())
	}
	return nil
}

// Validate checks the loaded configuration. It touches only the local filesystem.
func (c Config) Validate() error {
	if !slices.Contains(SupportedRegions, c.Region) {
		return NewConfigurationError("AWS_DEFAULT_REGION", fmt.Sprintf("region %q is not supported", c.Region),
			fmt.Sprintf("Use one of %s", strings.Join(SupportedRegions, ", ")))
	}
	if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
		return NewConfigurationError("AWS_ACCESS_KEY_ID", "access key id and secret access key must be set together", "")
	}
	if c.GitHubToken == "" && c.GitHubTokenSecretID == "" {
		return NewConfigurationError("GITHUB_OAUTH_TOKEN", "is required",
			"Set GITHUB_OAUTH_TOKEN, or GITHUB_TOKEN_SECRET_ID to read it from Secrets Manager")
	}
	if c.APIMaxAttempts < 1 {
		return NewConfigurationError("API_MAX_ATTEMPTS", "must be at least 1", "")
	}
	if c.HealthAttempts < 1 {
		return NewConfigurationError("HEALTH_ATTEMPTS", "must be at least 1", "")
	}
	for key, d := range map[string]time.Duration{
		"STACK_POLL_INTERVAL": c.PollInterval,
		"STACK_TIMEOUT":       c.StackTimeout,
		"WEB_APPEAR_TIMEOUT":  c.WebAppearTimeout,
		"WEB_STACK_TIMEOUT":   c.WebStackTimeout,
		"HEALTH_INTERVAL":     c.HealthInterval,
	} {
		if d <= 0 {
			return NewConfigurationError(key, "must be a positive duration", "")
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return NewConfigurationError("LOG_LEVEL", err.Error(), "Use debug, info, warn or error")
	}
	return nil
}

// ValidateLambdaSource checks that the directory to be bundled exists. Only provisioning
// needs it, so it is not part of Validate.
func (c Config) ValidateLambdaSource() error {
	info, err := os.Stat(c.LambdaSourceDir)
	if err != nil {
		return NewConfigurationError("LAMBDA_SOURCE_DIR", err.Error(), "Point LAMBDA_SOURCE_DIR at the pipeline functions directory")
	}
	if !info.IsDir() {
		return NewConfigurationError("LAMBDA_SOURCE_DIR", fmt.Sprintf("%s is not a directory", c.LambdaSourceDir), "")
	}
	return nil
}

// CIStack is the name of the CI stack.
func (c Config) CIStack() string {
	if c.CIStackName != "" {
		return c.CIStackName
	}
	return c.AppName + "-ci"
}

// WebStack is the name the release pipeline gives the web stack.
func (c Config) WebStack() string {
	if c.WebStackName != "" {
		return c.WebStackName
	}
	return c.AppName + "-web"
}

// BucketName derives the build bucket name. The account id keeps it globally unique
// while staying stable across runs.
func (c Config) BucketName(accountID string) string {
	return fmt.Sprintf("builds-%s-%s-%s", c.AppName, c.Region, accountID)
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	if c.AWSSecretAccessKey != "" {
		c.AWSSecretAccessKey = "***"
	}
	if c.GitHubToken != "" {
		c.GitHubToken = "***"
	}
	return c
}
