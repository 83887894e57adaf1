// Package minio implements storage.Store and storage.Notifier for MinIO. Bucket
// notifications feed the storage-event trigger path.
package minio

import (
	"context"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/andresmejia3/facestage/internal/storage"
	"github.com/andresmejia3/facestage/internal/types"
)

type Options struct {
	Endpoint  string // host:port
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type Store struct {
	client *minio.Client
}

func NewClient(opts Options) (*minio.Client, error) {
	return minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
}

func NewStore(client *minio.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Download(ctx context.Context, container, key, localPath string) error {
	err := s.client.FGetObject(ctx, container, key, localPath, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s/%s: %w", container, key, storage.ErrNotFound)
		}
		return fmt.Errorf("minio download %s/%s: %w", container, key, err)
	}
	return nil
}

func (s *Store) Upload(ctx context.Context, localPath, container, key string) error {
	if _, err := s.client.FPutObject(ctx, container, key, localPath, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("minio upload %s/%s: %w", container, key, err)
	}
	return nil
}

// EnsureBuckets creates any missing bucket.
func (s *Store) EnsureBuckets(ctx context.Context, names ...string) error {
	for _, name := range names {
		exists, err := s.client.BucketExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
	}
	return nil
}

// Listen streams object-created notifications for container to h until ctx is done.
// Each notification is handled in its own goroutine.
func (s *Store) Listen(ctx context.Context, container string, h storage.Handler) error {
	events := s.client.ListenBucketNotification(ctx, container, "", "", []string{"s3:ObjectCreated:*"})
	for info := range events {
		if info.Err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listening on %s: %w", container, info.Err)
		}
		for _, rec := range info.Records {
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				key = rec.S3.Object.Key
			}
			go h(ctx, types.ObjectRef{Container: rec.S3.Bucket.Name, Key: key})
		}
	}
	return nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
