package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ocdispatch/internal/config"
)

var _ ObservationSink = (*ObjectSink)(nil)

// ObjectSink writes one JSON object per observation date to an
// S3-compatible bucket at <prefix>/<YYYY>/<MM>/<DD>.json.
type ObjectSink struct {
	documentSink
	bucket string
}

// NewObjectSink connects to the object store in cfg and creates the bucket
// if it does not exist.
func NewObjectSink(ctx context.Context, cfg config.S3Config) (*ObjectSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return newObjectSink(&minioBlobs{client: client, bucket: cfg.Bucket}, cfg.Bucket, cfg.Prefix), nil
}

func newObjectSink(blobs blobStore, bucket, prefix string) *ObjectSink {
	s := &ObjectSink{bucket: bucket}
	s.blobs = blobs
	s.key = func(date string) string {
		// date is YYYY-MM-DD
		return path.Join(prefix, date[:4], date[5:7], date[8:10]+".json")
	}
	return s
}

func (s *ObjectSink) Close() error { return nil }

type minioBlobs struct {
	client *minio.Client
	bucket string
}

func (b *minioBlobs) get(ctx context.Context, key string) ([]byte, bool, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *minioBlobs) put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}
