// Package s3blob archives raw webhook payloads, audit rows and sync history
// to S3 or any S3-compatible store (MinIO, R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ClientConfig configures the archive bucket. Endpoint is set for
// S3-compatible stores and left empty for AWS. Without an access key the
// default AWS credential chain applies.
type ClientConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool // scheme for an Endpoint given without one
	ForcePathStyle bool // MinIO and most compatible stores need it

	// KeyPrefix is prepended to every object key, so several deployments
	// can share one bucket.
	KeyPrefix string
	// ServerSideEncryption is "AES256", "aws:kms" or empty for stores that
	// reject the header. KMSKeyID selects the key for "aws:kms".
	ServerSideEncryption string
	KMSKeyID             string
}

// Client holds the SDK client and the archive's write policy.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
	sse    types.ServerSideEncryption
	kmsKey string
}

// New creates an archive client. It does not contact the store; Ping does.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}
	sse, err := parseSSE(cfg.ServerSideEncryption, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	var endpoint string
	if cfg.Endpoint != "" {
		if endpoint, err = endpointURL(cfg.Endpoint, cfg.UseSSL); err != nil {
			return nil, err
		}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{
		s3:     client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.KeyPrefix),
		sse:    sse,
		kmsKey: cfg.KMSKeyID,
	}, nil
}

// Ping checks that the bucket exists and is reachable with these
// credentials. It backs the s3 entry of the health check.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// S3 returns the underlying AWS SDK S3 client.
func (c *Client) S3() *s3.Client {
	return c.s3
}

// Bucket returns the archive bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Key maps an archive path onto the bucket's key space.
func (c *Client) Key(path string) string {
	return c.prefix + strings.TrimPrefix(path, "/")
}

func parseSSE(mode, kmsKey string) (types.ServerSideEncryption, error) {
	switch sse := types.ServerSideEncryption(mode); sse {
	case "":
		if kmsKey != "" {
			return "", fmt.Errorf("s3blob: kms key id set without aws:kms encryption")
		}
		return "", nil
	case types.ServerSideEncryptionAes256:
		if kmsKey != "" {
			return "", fmt.Errorf("s3blob: kms key id set with AES256 encryption")
		}
		return sse, nil
	case types.ServerSideEncryptionAwsKms, types.ServerSideEncryptionAwsKmsDsse:
		return sse, nil
	default:
		return "", fmt.Errorf("s3blob: unsupported server-side encryption %q", mode)
	}
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// endpointURL adds a scheme to endpoint when it has none.
func endpointURL(endpoint string, useSSL bool) (string, error) {
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("s3blob: invalid endpoint %q", endpoint)
	}
	return endpoint, nil
}
