package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/change"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of *s3.Client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (LocalStack, MinIO)
	Prefix   string
}

// S3Archiver stores one object per envelope under <prefix>/yyyy/mm/dd/<id>.json.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Archiver(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) Key(env change.Envelope) string {
	t := env.Time.UTC()
	return path.Join(a.prefix, t.Format("2006/01/02"), env.ID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, env change.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("archive: encode envelope: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(env)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", env.ID, err)
	}
	return nil
}
