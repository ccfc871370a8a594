// Package upload pushes allocated files to an S3-compatible object store
// (Cloudflare R2, MinIO, AWS S3) under their assigned identifiers.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/mintkey/mintkey/internal/config"
)

// Uploader is the object-store surface the batch pipeline needs. The S3
// client satisfies it in production; tests substitute a fake.
type Uploader interface {
	// Upload stores body under key. Existing objects are not overwritten;
	// uploading to an occupied key is a silent no-op because content under
	// a given identifier is immutable.
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	// Exists reports whether key is already stored.
	Exists(ctx context.Context, key string) (bool, error)
}

// Client is an S3-compatible uploader bound to one bucket.
type Client struct {
	s3        *s3.Client
	bucket    string
	keyPrefix string
	publicURL string
}

// New builds a Client from the upload configuration. R2 and MinIO are
// addressed via the configured endpoint; plain AWS S3 works with no endpoint.
func New(ctx context.Context, cfg config.UploadConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Client{
		s3:        client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		publicURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

// StorageKey derives the object key for an identifier and file extension.
func (c *Client) StorageKey(identifier, extension string) string {
	return StorageKey(c.keyPrefix, identifier, extension)
}

// PublicURL derives the public URL an object is served from, or empty when
// no public base is configured.
func (c *Client) PublicURL(key string) string {
	if c.publicURL == "" {
		return ""
	}
	return c.publicURL + "/" + key
}

// Upload stores body under key unless the key is already occupied.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	exists, err := c.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("key", key).Msg("object already stored, skipping upload")
		return nil
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is already stored in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return false, nil
		}
	}
	return false, fmt.Errorf("head object %s: %w", key, err)
}

// Check verifies the bucket is reachable with the configured credentials.
func (c *Client) Check(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// StorageKey joins prefix, identifier, and extension into an object key.
// The extension keeps its leading dot; a missing dot is added.
func StorageKey(prefix, identifier, extension string) string {
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	key := identifier + extension
	if prefix != "" {
		key = strings.Trim(prefix, "/") + "/" + key
	}
	return key
}
