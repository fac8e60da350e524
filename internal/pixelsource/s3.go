package pixelsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"imagevault/pkg/domain"
)

// S3 stores payloads in an S3-compatible bucket (AWS S3 or MinIO). Keys map
// SOPInstanceUIDs to object keys directly under an optional prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Source = (*S3)(nil)

// S3Config holds explicit construction parameters (mostly for tests). For
// prod we rely primarily on environment variables.
type S3Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // optional; if set enables custom endpoint (e.g. MinIO)
	PathStyle bool
}

// Environment variables:
//
//	IMAGEVAULT_PIXELSOURCE_DRIVER=s3
//	IMAGEVAULT_PIXELSOURCE_S3_BUCKET=<bucket> (required)
//	IMAGEVAULT_PIXELSOURCE_S3_REGION=<region> (default us-east-1)
//	IMAGEVAULT_PIXELSOURCE_S3_PREFIX=<key prefix> (optional)
//	IMAGEVAULT_PIXELSOURCE_S3_ENDPOINT=<url> (optional, for MinIO)
//	IMAGEVAULT_PIXELSOURCE_S3_PATH_STYLE=true|false (default false)
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// NewS3 creates an S3 pixel source from S3Config.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// OpenS3FromEnv constructs an S3 pixel source from process environment.
func OpenS3FromEnv(ctx context.Context) (*S3, error) {
	bucket := os.Getenv("IMAGEVAULT_PIXELSOURCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("IMAGEVAULT_PIXELSOURCE_S3_BUCKET required for s3 driver")
	}
	cfg := S3Config{
		Bucket:    bucket,
		Region:    os.Getenv("IMAGEVAULT_PIXELSOURCE_S3_REGION"),
		Prefix:    os.Getenv("IMAGEVAULT_PIXELSOURCE_S3_PREFIX"),
		Endpoint:  os.Getenv("IMAGEVAULT_PIXELSOURCE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("IMAGEVAULT_PIXELSOURCE_S3_PATH_STYLE"), "true"),
	}
	return NewS3(ctx, cfg)
}

func (s *S3) Driver() Driver { return DriverS3 }

func (s *S3) keyFor(uid string) string {
	if s.prefix == "" {
		return uid
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + uid
}

func (s *S3) FetchPixels(ctx context.Context, sopInstanceUID string) ([]byte, error) {
	key := s.keyFor(sopInstanceUID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, domain.ErrNoPixels{SOPInstanceUID: sopInstanceUID}
		}
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *S3) StorePixels(ctx context.Context, sopInstanceUID string, data []byte) error {
	key := s.keyFor(sopInstanceUID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	return err
}
