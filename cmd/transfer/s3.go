package transfer

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// S3Config holds S3-compatible storage settings
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// S3Remote stores files as objects under Bucket/Prefix
type S3Remote struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
}

// NewS3Remote creates a path-style S3 session and multipart uploader
func NewS3Remote(config S3Config) (*S3Remote, error) {
	if config.Bucket == "" {
		return nil, ErrBucketRequired
	}

	awsConfig := &aws.Config{
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return newS3Remote(s3manager.NewUploader(sess), config.Bucket, config.Prefix), nil
}

func newS3Remote(uploader s3manageriface.UploaderAPI, bucket, prefix string) *S3Remote {
	return &S3Remote{uploader: uploader, bucket: bucket, prefix: prefix}
}

// Key returns the object key a file name is stored under
func (s *S3Remote) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Store uploads r as a single object
func (s *S3Remote) Store(ctx context.Context, name string, r io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(name)),
		Body:   r,
	})
	if err != nil {
		return &StoreError{Remote: "s3", Name: name, Err: err}
	}
	return nil
}

// Close is a no-op; the uploader holds no connections of its own
func (s *S3Remote) Close() error {
	return nil
}
