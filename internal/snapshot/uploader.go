// Package snapshot ships database backups to S3-compatible storage.
// When no bucket is configured the NoopUploader is used and backups stay
// on local disk only.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/waypoint/internal/config"
)

// DefaultURLExpiry is how long a pre-signed download link stays valid.
const DefaultURLExpiry = 15 * time.Minute

// ErrNotConfigured is returned when backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader uploads backup files and hands out download links for them.
type Uploader interface {
	// Upload stores the file at filePath under the given backup name.
	Upload(ctx context.Context, name string, filePath string) error

	// PresignedURL returns a time-limited download URL for a backup.
	// Returns ErrNotConfigured when S3 is not configured.
	PresignedURL(ctx context.Context, name string) (url string, expiry time.Time, err error)

	// Remove deletes an uploaded backup. Removing a missing backup is not
	// an error.
	Remove(ctx context.Context, name string) error
}

// s3Client is the subset of minio.Client used by S3Uploader.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, objectName string) error
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

func (w *minioClientWrapper) RemoveObject(ctx context.Context, bucket, objectName string) error {
	return w.client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{})
}

// S3Uploader uploads backups to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Upload uploads the backup file at filePath.
func (u *S3Uploader) Upload(ctx context.Context, name string, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, u.objectKey(name), filePath); err != nil {
		return fmt.Errorf("upload backup to S3: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the named backup.
func (u *S3Uploader) PresignedURL(ctx context.Context, name string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, u.objectKey(name), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(u.urlExpiry), nil
}

// Remove deletes the named backup from the bucket.
func (u *S3Uploader) Remove(ctx context.Context, name string) error {
	if err := u.client.RemoveObject(ctx, u.bucket, u.objectKey(name)); err != nil {
		return fmt.Errorf("remove backup from S3: %w", err)
	}
	return nil
}

func (u *S3Uploader) objectKey(name string) string {
	if u.prefix == "" {
		return name
	}
	return strings.TrimSuffix(u.prefix, "/") + "/" + name
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

// Upload does nothing.
func (u *NoopUploader) Upload(ctx context.Context, name string, filePath string) error {
	return nil
}

// PresignedURL always returns ErrNotConfigured.
func (u *NoopUploader) PresignedURL(ctx context.Context, name string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// Remove does nothing.
func (u *NoopUploader) Remove(ctx context.Context, name string) error {
	return nil
}

// NewUploader returns a NoopUploader when the bucket is empty and an
// S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		urlExpiry: DefaultURLExpiry,
	}, nil
}
