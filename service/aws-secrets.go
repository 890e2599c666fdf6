package service

import (
	"context"
	"encoding/json"
	"strings"

	"pipeline-bootstrap/internal"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/cockroachdb/errors"
)

// githubTokenKeys are the JSON keys looked up when the secret holds a key/value document.
var githubTokenKeys = []string{"GITHUB_OAUTH_TOKEN", "token", "github_token"}

// ResolveGitHubToken returns the configured token, or reads it from Secrets Manager when
// only a secret id is configured. The secret may be the bare token or a JSON object
// holding it under one of githubTokenKeys.
func ResolveGitHubToken(ctx context.Context, client secretsmanageriface.SecretsManagerAPI, config internal.Config) (string, error) {
	if config.GitHubToken != "" {
		return config.GitHubToken, nil
	}

	result, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(config.GitHubTokenSecretID),
	})
	if err != nil {
		return "", errors.WithHint(
			errors.Wrapf(err, "reading secret %s", config.GitHubTokenSecretID),
			"Check GITHUB_TOKEN_SECRET_ID and that the credentials may call secretsmanager:GetSecretValue",
		)
	}

	secretString := strings.TrimSpace(aws.StringValue(result.SecretString))
	if !strings.HasPrefix(secretString, "{") {
		if secretString == "" {
			return "", internal.NewConfigurationError("GITHUB_TOKEN_SECRET_ID", "secret is empty", "")
		}
		return secretString, nil
	}

	var secretsMap map[string]string
	if err := json.Unmarshal([]byte(secretString), &secretsMap); err != nil {
		return "", internal.NewConfigurationError("GITHUB_TOKEN_SECRET_ID", "secret is not a JSON object of strings", "")
	}
	for _, key := range githubTokenKeys {
		if token := secretsMap[key]; token != "" {
			return token, nil
		}
	}
	return "", internal.NewConfigurationError("GITHUB_TOKEN_SECRET_ID", "secret has no token key",
		"Store the token under one of "+strings.Join(githubTokenKeys, ", "))
}
