package service

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"pipeline-bootstrap/dtos"
	"pipeline-bootstrap/internal"
	"pipeline-bootstrap/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
)

// Stager owns the build bucket and the function bundle staged in it.
type Stager struct {
	S3        s3iface.S3API
	Uploader  *s3manager.Uploader
	Logger    *log.Logger
	Region    string
	AccountID string
}

func NewStager(client s3iface.S3API, logger *log.Logger, region, accountID string) *Stager {
	return &Stager{
		S3:        client,
		Uploader:  s3manager.NewUploaderWithClient(client),
		Logger:    logger,
		Region:    region,
		AccountID: accountID,
	}
}

func statusCode(err error) int {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode()
	}
	return 0
}

// bucketExists reports whether the bucket exists and belongs to this account. A bucket
// owned by anyone else is a NameCollisionError.
func (s *Stager) bucketExists(ctx context.Context, bucket string) (bool, error) {
	input := &s3.HeadBucketInput{Bucket: aws.String(bucket)}
	if s.AccountID != "" {
		input.ExpectedBucketOwner = aws.String(s.AccountID)
	}
	_, err := s.S3.HeadBucketWithContext(ctx, input)
	if err == nil {
		return true, nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchBucket) {
		return false, nil
	}
	switch statusCode(err) {
	case http.StatusNotFound:
		return false, nil
	case http.StatusForbidden:
		return false, errors.WithHint(&internal.NameCollisionError{Bucket: bucket},
			"Change APP_NAME so the derived bucket name is unique")
	}
	return false, errors.Wrapf(err, "checking bucket %s", bucket)
}

func (s *Stager) createBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}
	// LocationConstraint is rejected for us-east-1.
	if s.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(s.Region),
		}
	}
	_, err := s.S3.CreateBucketWithContext(ctx, input)
	return err
}

// ensureVersioning turns on versioning so every staged bundle gets a version id the CI
// stack can pin its functions to.
func (s *Stager) ensureVersioning(ctx context.Context, bucket string) error {
	out, err := s.S3.GetBucketVersioningWithContext(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return errors.Wrapf(err, "reading versioning of bucket %s", bucket)
	}
	if aws.StringValue(out.Status) == s3.BucketVersioningStatusEnabled {
		return nil
	}

	s.Logger.Info("Enabling bucket versioning", "bucket", bucket)
	_, err = s.S3.PutBucketVersioningWithContext(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &s3.VersioningConfiguration{
			Status: aws.String(s3.BucketVersioningStatusEnabled),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "enabling versioning on bucket %s", bucket)
	}
	return nil
}

// EnsureBucket makes sure the build bucket exists and is owned by this account.
// Calling it again for an existing bucket changes nothing and returns the same BucketRef.
func (s *Stager) EnsureBucket(ctx context.Context, bucket string) (dtos.BucketRef, error) {
	ref := dtos.BucketRef{Name: bucket, Region: s.Region}

	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		return dtos.BucketRef{}, err
	}

	if exists {
		s.Logger.Info("Build bucket already exists", "bucket", bucket)
	} else {
		err := s.createBucket(ctx, bucket)
		var aerr awserr.Error
		switch {
		case err == nil:
			s.Logger.Info("Created build bucket", "bucket", bucket, "region", s.Region)
		case errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou:
			s.Logger.Info("Build bucket already exists", "bucket", bucket)
		case errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeBucketAlreadyExists:
			return dtos.BucketRef{}, errors.WithHint(&internal.NameCollisionError{Bucket: bucket},
				"Change APP_NAME so the derived bucket name is unique")
		default:
			return dtos.BucketRef{}, errors.Wrapf(err, "creating bucket %s", bucket)
		}

		if err := s.S3.WaitUntilBucketExistsWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return dtos.BucketRef{}, errors.Wrapf(err, "waiting for bucket %s", bucket)
		}
	}

	if err := s.ensureVersioning(ctx, bucket); err != nil {
		return dtos.BucketRef{}, err
	}
	return ref, nil
}

// Stage zips spec.SourceDir and uploads it to spec.Key, replacing whatever was there.
func (s *Stager) Stage(ctx context.Context, spec dtos.BundleSpec) (dtos.ArtifactBundle, error) {
	var buf bytes.Buffer
	if err := utils.ZipDirectory(spec.SourceDir, &buf); err != nil {
		return dtos.ArtifactBundle{}, errors.Wrapf(err, "packaging %s", spec.SourceDir)
	}
	content := buf.Bytes()

	out, err := s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(spec.Bucket),
		Key:         aws.String(spec.Key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return dtos.ArtifactBundle{}, errors.Wrapf(err, "uploading s3://%s/%s", spec.Bucket, spec.Key)
	}

	bundle := dtos.ArtifactBundle{
		Bucket:    spec.Bucket,
		Key:       spec.Key,
		VersionID: aws.StringValue(out.VersionID),
		Content:   content,
	}
	if bundle.VersionID == "" {
		head, err := s.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(spec.Bucket),
			Key:    aws.String(spec.Key),
		})
		if err != nil {
			return dtos.ArtifactBundle{}, errors.Wrapf(err, "reading version of s3://%s/%s", spec.Bucket, spec.Key)
		}
		bundle.VersionID = aws.StringValue(head.VersionId)
	}

	s.Logger.Info("Staged function bundle", "bucket", spec.Bucket, "key", spec.Key, "version", bundle.VersionID, "bytes", len(content))
	return bundle, nil
}

// PresignBundle returns a time-limited download URL for a staged bundle.
func (s *Stager) PresignBundle(bundle dtos.ArtifactBundle, expiry time.Duration) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bundle.Bucket),
		Key:    aws.String(bundle.Key),
	}
	if bundle.VersionID != "" {
		input.VersionId = aws.String(bundle.VersionID)
	}
	req, _ := s.S3.GetObjectRequest(input)
	urlStr, err := req.Presign(expiry)
	if err != nil {
		return "", errors.Wrap(err, "presigning bundle URL")
	}
	return urlStr, nil
}
