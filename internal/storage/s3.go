package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage keeps snapshots in one S3 bucket, under an optional key prefix.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	prefix     string
	maxRetries int
	backoff    time.Duration
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// Prefix is prepended to every key.
	Prefix string
	// MaxRetries bounds the retries of one operation. Default: 3
	MaxRetries int
	// RetryBackoff is the first retry delay, doubled on each retry. Default: 100ms
	RetryBackoff time.Duration
}

// NewS3Storage loads the default AWS configuration and creates the storage.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient creates the storage on a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &S3Storage{
		client:     client,
		bucket:     bucket,
		prefix:     cfg.Prefix,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}
}

func (s *S3Storage) objectKey(key string) *string {
	return aws.String(s.prefix + key)
}

// isMissing reports whether err is S3's answer for an absent object: NoSuchKey
// from GET, a bodiless NotFound from HEAD.
func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// Put uploads data under key.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           s.objectKey(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, key, err)
	}
	return nil
}

// Get downloads the object under key.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.retry(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.objectKey(key),
		})
		if err != nil {
			if isMissing(err) {
				return ErrObjectNotFound
			}
			return err
		}
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		return err
	})
	switch {
	case errors.Is(err, ErrObjectNotFound):
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, key, err)
	}
	return data, nil
}

// Delete removes the object under key.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.objectKey(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, key, err)
	}
	return nil
}

// Exists reports whether an object is stored under key.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := s.retry(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    s.objectKey(key),
		})
		if isMissing(err) {
			exists = false
			return nil
		}
		exists = err == nil
		return err
	})
	return exists, err
}

// List returns the keys under prefix, without the storage prefix, in lexical order.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: s.objectKey(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// retry runs op until it succeeds, reports a missing object, or runs out of
// attempts, doubling the delay between attempts.
func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	delay := s.backoff
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = op()
		if err == nil || errors.Is(err, ErrObjectNotFound) || attempt == s.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
