package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/config"
)

// S3 stores objects in an S3-compatible bucket through minio-go.
// Conditional writes map to If-None-Match and If-Match headers.
type S3 struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewS3 connects to the endpoint and makes sure the bucket exists.
func NewS3(ctx context.Context, cfg config.ObjStoreConfig) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "objstore: create s3 client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, eris.Wrapf(err, "objstore: create bucket %s", cfg.Bucket)
		}
	}

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		log:    zap.L().With(zap.String("component", "objstore.s3"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Get downloads an object with its ETag.
func (s *S3) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapS3Error(err, "get "+key)
	}
	defer obj.Close() //nolint:errcheck

	info, err := obj.Stat()
	if err != nil {
		return nil, mapS3Error(err, "stat "+key)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapS3Error(err, "read "+key)
	}
	return &Object{Data: data, ETag: info.ETag, ModTime: info.LastModified}, nil
}

// Put uploads data subject to cond.
func (s *S3) Put(ctx context.Context, key string, data []byte, cond Condition) (string, error) {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if cond.IfAbsent {
		opts.SetMatchETagExcept("*")
	}
	if cond.IfMatch != "" {
		opts.SetMatchETag(cond.IfMatch)
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", mapS3Error(err, "put "+key)
	}
	s.log.Debug("object written", zap.String("key", key), zap.Int("bytes", len(data)))
	return info.ETag, nil
}

// Delete removes an object. S3 does not report missing keys on delete.
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapS3Error(err, "delete "+key)
	}
	return nil
}

// Exists checks for an object without downloading it.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	mapped := mapS3Error(err, "stat "+key)
	if errors.Is(mapped, ErrNotFound) {
		return false, nil
	}
	return false, mapped
}

func mapS3Error(err error, action string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return eris.Wrap(ErrNotFound, "objstore: "+action)
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return eris.Wrap(ErrPreconditionFailed, "objstore: "+action)
	}
	return eris.Wrap(err, "objstore: "+action)
}
