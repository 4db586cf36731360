// Package blob wraps the S3-compatible object store behind the two
// operations Pulse needs: presigned upload and download URLs. Media bytes
// never pass through the service itself.
package blob

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pulsechat/pulse/internal/logger"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// SignedUpload grants one PUT of one object within the TTL.
type SignedUpload struct {
	URL   string
	Path  string
	Token string
}

type Client struct {
	mc     *minio.Client
	bucket string
	logger *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &Client{
		mc:     mc,
		bucket: cfg.Bucket,
		logger: log.WithComponent("blob"),
	}, nil
}

// EnsureBucket creates the media bucket when it does not exist yet, so a
// fresh deployment needs no manual provisioning step.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}

	c.logger.Info("created media bucket", slog.String("bucket", c.bucket))
	return nil
}

// SignedUploadURL presigns a PUT of the object path. The token is the
// request signature, returned separately so clients can correlate grants.
func (c *Client) SignedUploadURL(ctx context.Context, path string, ttl time.Duration) (*SignedUpload, error) {
	u, err := c.mc.PresignedPutObject(ctx, c.bucket, path, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload for %s: %w", path, err)
	}

	return &SignedUpload{
		URL:   u.String(),
		Path:  path,
		Token: u.Query().Get("X-Amz-Signature"),
	}, nil
}

// SignedDownloadURL presigns a GET of the object path.
func (c *Client) SignedDownloadURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, path, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign download for %s: %w", path, err)
	}
	return u.String(), nil
}

// Remove deletes objects. Paths that are already gone do not error.
func (c *Client) Remove(ctx context.Context, paths []string) error {
	for _, path := range paths {
		if err := c.mc.RemoveObject(ctx, c.bucket, path, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// ListBuckets returns the bucket names visible to the service credentials.
func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	buckets, err := c.mc.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	names := make([]string, len(buckets))
	for i, b := range buckets {
		names[i] = b.Name
	}
	return names, nil
}
