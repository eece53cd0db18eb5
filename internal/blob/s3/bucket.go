// Package s3blob archives finished loop sessions to S3-compatible object
// storage (AWS, MinIO, R2, iDrive e2) using AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// minPartSize is the S3 minimum multipart part size.
const minPartSize int64 = 5 << 20

// BucketConfig is the [s3] section as seen by the archive bucket.
type BucketConfig struct {
	// Endpoint is an S3-compatible endpoint; empty means AWS.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// UseSSL picks the scheme when Endpoint has none.
	UseSSL         bool
	ForcePathStyle bool
}

// Bucket is one S3 bucket used as domain.BlobWriter and domain.BlobReader.
type Bucket struct {
	api  *s3.Client
	name string
}

// Open builds the SDK client for cfg. It does not contact the endpoint; use
// Health for that.
func Open(ctx context.Context, cfg BucketConfig) (*Bucket, error) {
	switch {
	case cfg.Bucket == "":
		return nil, errors.New("s3blob: bucket is required")
	case cfg.Region == "":
		return nil, errors.New("s3blob: region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		// Without static keys the default chain (env, profile, IMDS) applies.
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Bucket{api: api, name: cfg.Bucket}, nil
}

// Health checks the bucket with HeadBucket.
func (b *Bucket) Health(ctx context.Context) error {
	if _, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", b.name, err)
	}
	return nil
}

func (b *Bucket) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart streams data through the upload manager in parts of at least
// minPartSize.
func (b *Bucket) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	up := manager.NewUploader(b.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	_, err := up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart %s: %w", path, err)
	}
	return nil
}

// Get opens the object at path. A missing object is domain.ErrNotFound.
func (b *Bucket) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(path),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// List returns every object under prefix.
func (b *Bucket) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	pages := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := domain.BlobInfo{Path: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// isNotFound also accepts a bare 404, which some S3-compatible providers
// return instead of NoSuchKey.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == 404
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(endpoint string, useSSL bool) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

var (
	_ domain.BlobWriter = (*Bucket)(nil)
	_ domain.BlobReader = (*Bucket)(nil)
)
