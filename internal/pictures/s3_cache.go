package pictures

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Cache keeps processed pictures in an S3-compatible bucket (R2 in
// production) so every instance shares one processed copy per URL.
type S3Cache struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

type S3Config struct {
	Endpoint string
	Bucket   string
	Region   string
}

func NewS3Cache(cfg S3Config, log *slog.Logger) (*S3Cache, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Cache{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (c *S3Cache) objectKey(key string) string {
	return "pictures/" + key + ".png"
}

func (c *S3Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return nil, false
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxImageBytes+1))
	if err != nil || len(data) == 0 || len(data) > maxImageBytes {
		return nil, false
	}
	return data, true
}

func (c *S3Cache) Put(ctx context.Context, key string, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		// Cache writes are best effort; the next lookup re-downloads.
		c.log.Warn("picture_cache_put_failed", "key", key, "error", err)
	}
}
