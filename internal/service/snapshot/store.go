package snapshot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectInfo describes one stored dump file.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the object storage surface for database dumps.
type Store interface {
	List(ctx context.Context) ([]ObjectInfo, error)
	Put(ctx context.Context, filename string, r io.Reader, size int64) error
	Remove(ctx context.Context, filename string) error
	Exists(ctx context.Context, filename string) (bool, error)
}

// MinioConfig configures the S3-compatible snapshot bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type minioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the bucket, creating it when absent.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &minioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *minioStore) List(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list bucket %s: %w", s.bucket, object.Err)
		}
		if !strings.HasSuffix(object.Key, ".sql") {
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}
	return objects, nil
}

func (s *minioStore) Put(ctx context.Context, filename string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, filename, r, size, minio.PutObjectOptions{
		ContentType: "application/sql",
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", filename, err)
	}
	return nil
}

func (s *minioStore) Remove(ctx context.Context, filename string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, filename, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", filename, err)
	}
	return nil
}

func (s *minioStore) Exists(ctx context.Context, filename string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, filename, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", filename, err)
	}
	return true, nil
}
