// Package s3 archives documents in an S3-compatible bucket.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config captures the bucket and optional endpoint override.
type Config struct {
	Bucket string
	Region string
	// Endpoint targets S3-compatible services such as MinIO.
	Endpoint string
	// Retain is recorded on each object. S3 never deletes on its own: pair it
	// with a bucket lifecycle rule filtered on the RetentionTag tag.
	Retain time.Duration
}

// RetentionTag marks archived documents for a bucket lifecycle expiration rule.
const RetentionTag = "printquote-retention=archive"

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BlobStore writes documents to S3.
type BlobStore struct {
	client objectPutter
	bucket string
	retain time.Duration
	now    func() time.Time
}

// New loads the default AWS credential chain and returns a BlobStore.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	var opts []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awscfg.WithRegion(cfg.Region))
	}
	awsConf, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newWithClient(client, cfg), nil
}

func newWithClient(client objectPutter, cfg Config) *BlobStore {
	return &BlobStore{client: client, bucket: cfg.Bucket, retain: cfg.Retain, now: time.Now}
}

// PutObject uploads data and returns an s3:// URI. With a retention set, the
// object carries RetentionTag and a delete-after metadata stamp; removal is
// left to the bucket's lifecycle configuration.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
		Body:   data,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if s.retain > 0 {
		in.Tagging = aws.String(RetentionTag)
		in.Metadata = map[string]string{
			"delete-after": s.now().Add(s.retain).UTC().Format(time.RFC3339),
		}
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, path), nil
}
