package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/corvid-labs/corvid/internal/ssrf"
)

// maxMirrorBytes caps how much of a generated image the mirror will
// download. Generators emit a few megabytes at most.
const maxMirrorBytes = 32 << 20

// MirrorConfig configures the S3-compatible media mirror.
type MirrorConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	// PublicBaseURL maps mirrored objects to fetchable URLs. Empty yields
	// s3:// URLs, which only matter for operators reading the history DB.
	PublicBaseURL string

	// HTTPTimeout bounds the download of the generator's URL (default: 30s).
	HTTPTimeout time.Duration
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror downloads generated images and re-uploads them to an
// S3-compatible bucket.
type S3Mirror struct {
	putter     objectPutter
	httpClient *http.Client
	bucket     string
	prefix     string
	publicBase string
	logger     *slog.Logger
}

// NewS3Mirror creates a mirror backed by an S3-compatible bucket.
// Credentials resolve through the default AWS chain unless static keys
// are set.
func NewS3Mirror(ctx context.Context, cfg MirrorConfig, logger *slog.Logger) (*S3Mirror, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Mirror{
		putter: client,
		// The generator hands back the URL we download, so treat it as
		// untrusted and refuse private destinations.
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout, Transport: ssrf.Transport()},
		bucket:     bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:     logger.With("component", "media.mirror"),
	}, nil
}

// MirrorURL downloads srcURL and stores it under the media id, returning
// the durable URL.
func (m *S3Mirror) MirrorURL(ctx context.Context, mediaID, srcURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download generated media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download generated media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMirrorBytes+1))
	if err != nil {
		return "", fmt.Errorf("read generated media: %w", err)
	}
	if len(data) > maxMirrorBytes {
		return "", fmt.Errorf("generated media exceeds %d bytes", maxMirrorBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(data)
	}

	key := m.objectKey(mediaID + extensionFor(contentType))
	input := &s3.PutObjectInput{
		Bucket:      &m.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if _, err := m.putter.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}

	m.logger.Debug("media mirrored", "media_id", mediaID, "key", key, "bytes", len(data))
	return m.publicURL(key), nil
}

func (m *S3Mirror) objectKey(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *S3Mirror) publicURL(key string) string {
	if m.publicBase != "" {
		return m.publicBase + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key)
}

func extensionFor(contentType string) string {
	if base, _, found := strings.Cut(contentType, ";"); found {
		contentType = strings.TrimSpace(base)
	}
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
