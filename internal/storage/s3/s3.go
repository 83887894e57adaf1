// Package s3 implements storage.Store on Amazon S3 (or any S3-compatible endpoint) using
// the transfer manager for multipart downloads and uploads.
package s3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/andresmejia3/facestage/internal/storage"
)

// Options configures the client. Zero values fall back to the default AWS credential chain.
type Options struct {
	Region    string
	Endpoint  string // optional, e.g. http://localhost:4566
	AccessKey string
	SecretKey string
}

// Client is the subset of the S3 API the store needs.
type Client interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
}

type Store struct {
	client     Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// NewClient builds an *s3.Client from opts.
func NewClient(ctx context.Context, opts Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewStore(client Client) *Store {
	return &Store{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 8 * 1024 * 1024
		}),
	}
}

func (s *Store) Download(ctx context.Context, container, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}

	_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		if isNotFound(err) {
			return fmt.Errorf("s3://%s/%s: %w", container, key, storage.ErrNotFound)
		}
		return fmt.Errorf("s3 download %s/%s: %w", container, key, err)
	}
	return nil
}

func (s *Store) Upload(ctx context.Context, localPath, container, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s/%s: %w", container, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}
