package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultPresignExpiry = 15 * time.Minute

// MinioConfig configures an S3-compatible backend.
type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PresignExpiry time.Duration
}

// MinioStore implements Backend for MinIO/S3 compatible storage.
type MinioStore struct {
	client        *minio.Client
	bucket        string
	presignExpiry time.Duration
	logger        *slog.Logger
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioStore{
		client:        client,
		bucket:        cfg.Bucket,
		presignExpiry: expiry,
		logger:        logger.With("component", "minio_store"),
	}, nil
}

func (m *MinioStore) Kind() string { return "s3" }

// PutObject uploads with an If-None-Match precondition. A precondition
// failure means another writer already stored the key; it is success when
// the stored size matches.
func (m *MinioStore) PutObject(ctx context.Context, key string, data []byte, contentType string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	opts.SetMatchETagExcept("*")
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err == nil {
		return true, nil
	}
	if !isPreconditionFailed(err) {
		return false, fmt.Errorf("put object: %w", err)
	}
	info, statErr := m.StatObject(ctx, key)
	if statErr != nil {
		return false, fmt.Errorf("stat after precondition failure: %w", statErr)
	}
	if info.Size != int64(len(data)) {
		return false, ErrWriteConflict
	}
	return false, nil
}

func (m *MinioStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	return m.read(ctx, key, minio.GetObjectOptions{})
}

func (m *MinioStore) GetObjectRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	info, err := m.StatObject(ctx, key)
	if err != nil {
		return nil, err
	}
	if start >= info.Size {
		return []byte{}, nil
	}
	if end >= info.Size {
		end = info.Size - 1
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, fmt.Errorf("set range: %w", err)
	}
	return m.read(ctx, key, opts)
}

func (m *MinioStore) read(ctx context.Context, key string, opts minio.GetObjectOptions) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, opts)
	if err != nil {
		return nil, m.mapErr(key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.mapErr(key, err)
	}
	return data, nil
}

func (m *MinioStore) DeleteObject(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (m *MinioStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MinioStore) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, m.mapErr(key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size, LastModified: info.LastModified}, nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string) (string, bool, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.presignExpiry, nil)
	if err != nil {
		return "", false, fmt.Errorf("presign get: %w", err)
	}
	return url.String(), true, nil
}

// MovePrefix re-keys every object under from to the same relative key under
// to. Objects whose destination exists are left in place.
func (m *MinioStore) MovePrefix(ctx context.Context, from, to string) (MoveResult, error) {
	var res MoveResult
	keys, err := m.ListObjects(ctx, from)
	if err != nil {
		return res, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dstKey := to + strings.TrimPrefix(key, from)
		if _, err := m.StatObject(ctx, dstKey); err == nil {
			m.logger.Warn("move skipped existing destination", "src", key, "dst", dstKey)
			res.Skipped++
			continue
		} else if !IsMissing(err) {
			return res, err
		}
		_, err := m.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: m.bucket, Object: dstKey},
			minio.CopySrcOptions{Bucket: m.bucket, Object: key},
		)
		if err != nil {
			return res, fmt.Errorf("copy object %q: %w", key, err)
		}
		if err := m.DeleteObject(ctx, key); err != nil {
			return res, err
		}
		res.Moved++
	}
	return res, nil
}

func (m *MinioStore) mapErr(key string, err error) error {
	if isNotFound(err) {
		return &MissingBlobError{Key: key}
	}
	return fmt.Errorf("object %q: %w", key, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed
}
