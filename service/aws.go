package service

import (
	"context"

	"pipeline-bootstrap/internal"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/cockroachdb/errors"
)

// AWSClients bundles the service clients one invocation talks to. They share a session.
type AWSClients struct {
	Session        *session.Session
	CloudFormation cloudformationiface.CloudFormationAPI
	S3             s3iface.S3API
	STS            stsiface.STSAPI
	SecretsManager secretsmanageriface.SecretsManagerAPI
}

// NewSession creates a session for the configured region. Static credentials are used
// when configured, otherwise the default credential chain applies.
func NewSession(config internal.Config) (*session.Session, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AWSAccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AWSAccessKeyID,
			config.AWSSecretAccessKey,
			"",
		)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return sess, nil
}

func NewAWSClients(config internal.Config) (*AWSClients, error) {
	sess, err := NewSession(config)
	if err != nil {
		return nil, err
	}
	return &AWSClients{
		Session: sess,
		// StackClient retries throttling itself and reports the attempts it used.
		CloudFormation: cloudformation.New(sess, aws.NewConfig().WithMaxRetries(0)),
		S3:             s3.New(sess),
		STS:            sts.New(sess),
		SecretsManager: secretsmanager.New(sess),
	}, nil
}

// AccountID resolves the account the credentials belong to.
func AccountID(ctx context.Context, client stsiface.STSAPI) (string, error) {
	out, err := client.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.WithHint(errors.Wrap(err, "resolving AWS account"),
			"Check the AWS credentials and region")
	}
	return aws.StringValue(out.Account), nil
}
