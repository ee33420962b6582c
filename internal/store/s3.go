// This file implements an S3-backed blob store.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// DefaultS3Region is used when no region is configured.
const DefaultS3Region = "us-east-1"

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that S3Store implements BlobStore.
var _ BlobStore = (*S3Store)(nil)

// S3Store keeps objects in an S3 (or S3-compatible) bucket under an optional prefix.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store creates an S3 store. Explicit credentials are used when given,
// otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, opts ...Option) (*S3Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultS3Region
	}

	var loadOpts []func(*config.LoadOptions) error
	loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	slog.Debug("NewS3Store: S3 client initialized",
		"bucket", cfg.Bucket, "prefix", cfg.Prefix, "region", cfg.Region,
		"endpoint_set", cfg.Endpoint != "", "static_credentials", cfg.AccessKey != "")

	return newS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3StoreWithClient(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// fullKey returns the full S3 key including prefix
func (s *S3Store) fullKey(objectID string) string {
	if s.prefix == "" {
		return objectID
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + strings.TrimPrefix(objectID, "/")
}

func (s *S3Store) Fetch(ctx context.Context, objectID string) ([]byte, error) {
	key := s.fullKey(objectID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		slog.Error("S3Store Fetch failed", "error", err, "bucket", s.bucket, "key", key)
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	slog.Debug("S3Store Fetch succeeded", "key", key, "bytes", len(data))
	return data, nil
}

func (s *S3Store) Store(ctx context.Context, objectID string, data []byte) error {
	if objectID == "" {
		return fmt.Errorf("object id cannot be empty")
	}
	key := s.fullKey(objectID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		slog.Error("S3Store Store failed", "error", err, "bucket", s.bucket, "key", key)
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, key, err)
	}
	slog.Debug("S3Store Store succeeded", "key", key, "bytes", len(data))
	return nil
}

func (s *S3Store) Close() error {
	return nil
}
