// Package s3 implements blob.Store over an S3-compatible endpoint.
package s3

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/skiffchat/skiff/internal/blob"
	"github.com/skiffchat/skiff/internal/config"
)

// Storage is a MinIO-backed blob store. Uploads run as multipart transfers
// with the configured part size; completed objects are referenced through
// presigned GET URLs.
type Storage struct {
	cfg    config.BlobConfig
	client *minio.Client
}

// New connects to the configured S3-compatible endpoint.
func New(cfg config.BlobConfig) (*Storage, error) {
	client, err := minio.New(strings.TrimPrefix(cfg.Endpoint, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Storage{cfg: cfg, client: client}, nil
}

// EnsureBucket creates the configured bucket when absent.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// Upload streams r to the object key and resolves to a presigned reference.
func (s *Storage) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress blob.ProgressFunc) (blob.FileRef, error) {
	reader := blob.NewProgressReader(r, size, progress)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    s.cfg.PartSize,
	})
	if err != nil {
		return blob.FileRef{}, err
	}

	url, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, key, s.urlExpiry(), nil)
	if err != nil {
		return blob.FileRef{}, err
	}

	return blob.FileRef{
		URL:         url.String(),
		Name:        key,
		Size:        size,
		ContentType: contentType,
	}, nil
}

func (s *Storage) urlExpiry() time.Duration {
	if s.cfg.URLExpiry > 0 {
		return s.cfg.URLExpiry
	}
	return 24 * time.Hour
}
