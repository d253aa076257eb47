// Package s3 provides archival of rotated audit files and aged replay
// files to S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds the S3 connection configuration.
type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint for S3-compatible storage
	// (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials; IAM is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass     string        `yaml:"storage_class"`
	UsePathStyle     bool          `yaml:"use_path_style"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Bucket:           "fraudsentry-archive",
		Prefix:           "fraudsentry/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
		Timeout:          5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

func (c *Config) storageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// Client is an S3 client for archive uploads.
type Client struct {
	client *awss3.Client
	config Config

	// Metrics
	objectsUploaded uint64
	bytesUploaded   uint64
	uploadErrors    uint64
}

// NewClient creates an S3 client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	c := &Client{
		client: awss3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}

	slog.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)
	return c, nil
}

// Upload puts an object under the configured prefix.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	fullKey := c.config.Prefix + key

	data, err := io.ReadAll(body)
	if err != nil {
		atomic.AddUint64(&c.uploadErrors, 1)
		return fmt.Errorf("s3: failed to read upload data: %w", err)
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	input := &awss3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(fullKey),
		Body:         strings.NewReader(string(data)),
		StorageClass: c.config.storageClass(),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		atomic.AddUint64(&c.uploadErrors, 1)
		return fmt.Errorf("s3: failed to upload object %s: %w", fullKey, err)
	}

	atomic.AddUint64(&c.objectsUploaded, 1)
	atomic.AddUint64(&c.bytesUploaded, uint64(len(data)))

	slog.Debug("uploaded object", "key", fullKey, "size", len(data))
	return nil
}

// Metrics returns client statistics.
func (c *Client) Metrics() ClientMetrics {
	return ClientMetrics{
		ObjectsUploaded: atomic.LoadUint64(&c.objectsUploaded),
		BytesUploaded:   atomic.LoadUint64(&c.bytesUploaded),
		UploadErrors:    atomic.LoadUint64(&c.uploadErrors),
	}
}

// ClientMetrics holds client statistics.
type ClientMetrics struct {
	ObjectsUploaded uint64 `json:"objects_uploaded"`
	BytesUploaded   uint64 `json:"bytes_uploaded"`
	UploadErrors    uint64 `json:"upload_errors"`
}
