// Package s3blob is the cold-storage side of the pipeline: terminal orders,
// fills, and audit entries age out of Postgres into JSONL objects in an
// S3-compatible bucket. Nothing on the trading path reads from here; the
// bucket exists for compliance and offline analysis.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds connection parameters for the archive bucket. Standard
// AWS S3 needs only Region, Bucket, and the key pair; compatible providers
// (MinIO, R2, iDrive e2) additionally set Endpoint and usually
// ForcePathStyle.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for S3-compatible providers. A
	// bare host is accepted; UseSSL decides the scheme in that case.
	Endpoint string

	Region string

	// Bucket is the archive bucket all objects are written to.
	Bucket string

	AccessKey string
	SecretKey string

	UseSSL bool

	// ForcePathStyle puts the bucket in the URL path instead of the
	// subdomain, which most non-AWS providers require.
	ForcePathStyle bool
}

// Client holds the SDK client and the archive bucket name for the writer.
type Client struct {
	api    *s3.Client
	bucket string
}

// New builds the SDK client and verifies the archive bucket is reachable
// with a HeadBucket call. Archival runs unattended on a retention schedule;
// a misconfigured bucket should fail the startup, not the month-end pass.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3blob: region is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, cfg.sdkOptions()...)

	c := &Client{api: api, bucket: cfg.Bucket}
	if err := c.Health(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// sdkOptions translates the provider compatibility knobs into SDK options.
func (cfg ClientConfig) sdkOptions() []func(*s3.Options) {
	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if parsed, err := url.Parse(endpoint); err != nil || parsed.Scheme == "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			endpoint = scheme + "://" + endpoint
		}
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return opts
}

// Health verifies the archive bucket is reachable and the credentials may
// touch it.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Close is a no-op; the SDK's HTTP client has no teardown. It exists so the
// app can treat every wired backend uniformly.
func (c *Client) Close() error {
	return nil
}
