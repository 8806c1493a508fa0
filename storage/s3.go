package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"market_intel/config"
	"market_intel/models"
)

// S3Archive keeps the raw platform payloads of every pass in S3-compatible storage.
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive returns nil when no bucket is configured.
func NewS3Archive(ctx context.Context, cfg config.ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archive{client: client, bucket: cfg.Bucket}, nil
}

// RawKey is the object key for one platform pass of a job.
func RawKey(orgID, jobID, platform string, at time.Time) string {
	return fmt.Sprintf("raw/%s/%s/%s/%s.jsonl", orgID, at.UTC().Format("2006-01-02"), jobID, platform)
}

// ArchiveRaw uploads the records as JSON lines.
func (a *S3Archive) ArchiveRaw(ctx context.Context, orgID, jobID, platform string, records []models.RawListing) error {
	body, err := EncodeJSONLines(records)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(RawKey(orgID, jobID, platform, time.Now())),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// EncodeJSONLines writes one record per line, preferring the original payload bytes.
func EncodeJSONLines(records []models.RawListing) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		line := []byte(r.Data)
		if len(line) == 0 {
			var err error
			if line, err = json.Marshal(r.Fields); err != nil {
				return nil, fmt.Errorf("encode raw record: %w", err)
			}
		}
		buf.Write(bytes.TrimSpace(line))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
