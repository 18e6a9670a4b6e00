// Package archive ships checkpoint exports of the entity store to S3 or an
// S3-compatible object store (MinIO, R2).
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// minPartSize is the S3 multipart minimum (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// S3Config holds the connection settings of the archive bucket.
type S3Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the AWS endpoint for S3-compatible stores. Path-style
	// addressing is used whenever it is set.
	Endpoint string

	// Static credentials. When empty the default AWS chain applies.
	AccessKey string
	SecretKey string

	PartSize int64
}

// Uploader is the part of manager.Uploader the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// NewS3Uploader builds a multipart uploader for cfg.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*manager.Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	}), nil
}

// normaliseEndpoint prefixes a scheme-less endpoint with https://.
func normaliseEndpoint(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
