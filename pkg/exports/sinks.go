package exports

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	gcs "cloud.google.com/go/storage"
)

// Sink writes one dataset object and returns its final location.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// LocalSink writes datasets under a directory.
type LocalSink struct {
	Dir string
}

func (l LocalSink) Put(_ context.Context, name string, data []byte) (string, error) {
	dir := l.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// S3Sink uploads datasets to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a sink using the ambient AWS configuration chain.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Sink{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (s *S3Sink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// GCSSink uploads datasets to a Google Cloud Storage bucket.
type GCSSink struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSSink builds a sink using application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := path.Join(g.prefix, name)
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close() //nolint:errcheck
		return "", fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

// Close releases the underlying client.
func (g *GCSSink) Close() error { return g.client.Close() }

// SinkFromEnv selects a sink from CONVERGE_EXPORT_DEST: "s3://bucket/prefix",
// "gs://bucket/prefix", or a local directory path (default
// .converge/datasets).
func SinkFromEnv(ctx context.Context) (Sink, error) {
	dest := os.Getenv("CONVERGE_EXPORT_DEST")
	switch {
	case dest == "":
		return LocalSink{Dir: ".converge/datasets"}, nil
	case len(dest) > 5 && dest[:5] == "s3://":
		bucket, prefix := splitBucket(dest[5:])
		return NewS3Sink(ctx, bucket, prefix)
	case len(dest) > 5 && dest[:5] == "gs://":
		bucket, prefix := splitBucket(dest[5:])
		return NewGCSSink(ctx, bucket, prefix)
	default:
		return LocalSink{Dir: dest}, nil
	}
}

func splitBucket(s string) (bucket, prefix string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
