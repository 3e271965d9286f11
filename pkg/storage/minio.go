package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig addresses a self-hosted S3-compatible store.
type MinioConfig struct {
	Endpoint             string
	AccessKey            string
	SecretKey            string
	UseSSL               bool
	Region               string
	Bucket               string
	PresignExpireMinutes int
}

// Minio stores finished recordings in a MinIO bucket. It offers the same
// Upload and PresignedDownloadURL methods as S3.
type Minio struct {
	client *minio.Client
	cfg    MinioConfig
	logger *zap.Logger
}

// NewMinio connects to cfg.Endpoint and creates the bucket when missing.
func NewMinio(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*Minio, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("MinIO bucket created", zap.String("bucket", cfg.Bucket))
	}
	logger.Info("MinIO client connected", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return &Minio{client: client, cfg: cfg, logger: logger}, nil
}

// Bucket returns the recordings bucket name.
func (m *Minio) Bucket() string { return m.cfg.Bucket }

// Upload streams body into the bucket. metadata becomes x-amz-meta-* headers.
// Returns the object URL.
func (m *Minio) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64, metadata map[string]string) (string, error) {
	if contentLength <= 0 {
		contentLength = -1
	}
	info, err := m.client.PutObject(ctx, m.cfg.Bucket, key, body, contentLength, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	m.logger.Debug("MinIO object stored", zap.String("key", key), zap.Int64("size", info.Size))
	return m.client.EndpointURL().String() + "/" + m.cfg.Bucket + "/" + key, nil
}

// PresignedDownloadURL returns a time-limited GET URL for playback.
func (m *Minio) PresignedDownloadURL(ctx context.Context, key string) (string, error) {
	expire := time.Duration(m.cfg.PresignExpireMinutes) * time.Minute
	if expire <= 0 {
		expire = 15 * time.Minute
	}
	u, err := m.client.PresignedGetObject(ctx, m.cfg.Bucket, key, expire, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return u.String(), nil
}
