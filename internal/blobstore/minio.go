// Package blobstore stages raw payload bytes in an S3-compatible object store.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"cstracker/internal/config"
)

// ErrBlobNotFound is returned by Get when the object does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BucketResult reports what EnsureBucket did.
type BucketResult int

const (
	BucketExisted BucketResult = iota + 1
	BucketCreated
)

func (r BucketResult) String() string {
	switch r {
	case BucketExisted:
		return "existed"
	case BucketCreated:
		return "created"
	default:
		return "unknown"
	}
}

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// OpObserver receives the outcome of every object store call.
type OpObserver interface {
	ObserveStorageOp(op string, d time.Duration, err error)
}

// MinIO is an object store client for MinIO or any S3 endpoint.
type MinIO struct {
	client   *minio.Client
	region   string
	logger   zerolog.Logger
	observer OpObserver
}

// NewMinIO builds a client from cfg. No network call is made until first use.
func NewMinIO(cfg config.BlobConfig, logger zerolog.Logger, observer OpObserver) (*MinIO, error) {
	client, err := minio.New(cfg.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client init failed: %w", err)
	}
	return &MinIO{
		client:   client,
		region:   cfg.Region,
		logger:   logger.With().Str("component", "blobstore").Logger(),
		observer: observer,
	}, nil
}

// EnsureBucket creates bucket when missing. A create race lost to another
// process counts as BucketExisted.
func (m *MinIO) EnsureBucket(ctx context.Context, bucket string) (result BucketResult, err error) {
	defer m.observe("ensure_bucket", time.Now(), &err)

	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return 0, fmt.Errorf("bucket exists check failed bucket=%s: %w", bucket, err)
	}
	if exists {
		m.logger.Debug().Str("s3_bucket", bucket).Msg("bucket exists")
		return BucketExisted, nil
	}

	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return BucketExisted, nil
		}
		return 0, fmt.Errorf("bucket create failed bucket=%s: %w", bucket, err)
	}
	m.logger.Info().Str("s3_bucket", bucket).Msg("bucket created")
	return BucketCreated, nil
}

// Put writes data verbatim under bucket/key, replacing any existing object.
func (m *MinIO) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (err error) {
	defer m.observe("put", time.Now(), &err)

	_, err = m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object failed bucket=%s key=%s: %w", bucket, key, err)
	}
	return nil
}

// Get reads the full object at bucket/key.
func (m *MinIO) Get(ctx context.Context, bucket, key string) (data []byte, err error) {
	defer m.observe("get", time.Now(), &err)

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrapGetError(bucket, key, err)
	}
	defer obj.Close()

	data, err = io.ReadAll(obj)
	if err != nil {
		return nil, m.wrapGetError(bucket, key, err)
	}
	return data, nil
}

func (m *MinIO) wrapGetError(bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: bucket=%s key=%s", ErrBlobNotFound, bucket, key)
	}
	return fmt.Errorf("get object failed bucket=%s key=%s: %w", bucket, key, err)
}

// List returns every object under prefix, newest first.
func (m *MinIO) List(ctx context.Context, bucket, prefix string) (objects []ObjectInfo, err error) {
	defer m.observe("list", time.Now(), &err)

	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects failed bucket=%s prefix=%s: %w", bucket, prefix, obj.Err)
		}
		objects = append(objects, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified.UTC()})
	}
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, nil
}

// RemoveOlderThan deletes objects under prefix last modified before cutoff
// and returns how many were removed.
func (m *MinIO) RemoveOlderThan(ctx context.Context, bucket, prefix string, cutoff time.Time) (removed int64, err error) {
	objects, err := m.List(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}
	defer m.observe("remove", time.Now(), &err)

	for _, obj := range objects {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := m.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove object failed bucket=%s key=%s: %w", bucket, obj.Key, err)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info().Str("s3_bucket", bucket).Str("prefix", prefix).Int64("removed", removed).Time("cutoff", cutoff).Msg("expired blobs removed")
	}
	return removed, nil
}

// Ping verifies the endpoint is reachable and bucket is visible.
func (m *MinIO) Ping(ctx context.Context, bucket string) error {
	if _, err := m.client.BucketExists(ctx, bucket); err != nil {
		return fmt.Errorf("minio unreachable: %w", err)
	}
	return nil
}

func (m *MinIO) observe(op string, started time.Time, err *error) {
	if m.observer == nil {
		return
	}
	m.observer.ObserveStorageOp(op, time.Since(started), *err)
}
