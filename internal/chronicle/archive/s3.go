// Package archive stores trimmed chronicle records in S3-compatible object
// storage as JSON lines.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/google/uuid"
)

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) error {
		_, err := c.PutObject(ctx, in)
		return err
	}
	newObjectID = func() string { return uuid.NewString() }
)

// Config locates the bucket.
type Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Prefix       string
	UsePathStyle bool
}

// S3Archiver writes one object per archived batch.
type S3Archiver struct {
	cfg Config

	mu     sync.Mutex
	client *s3.Client
}

// NewS3Archiver returns an archiver; the S3 client is created on first use.
func NewS3Archiver(cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chronicle"
	}
	return &S3Archiver{cfg: cfg}, nil
}

func (a *S3Archiver) getClient(ctx context.Context) (*s3.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(a.cfg.Region)}
	if a.cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.cfg.AccessKey, a.cfg.SecretKey, ""),
		))
	}
	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	a.client = newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if a.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(a.cfg.Endpoint)
		}
		o.UsePathStyle = a.cfg.UsePathStyle
	})
	return a.client, nil
}

// Key returns the object key for a batch whose first record has stamp.
func (a *S3Archiver) Key(accountID, collectionID string, stamp int64) string {
	day := time.UnixMicro(stamp).UTC()
	return path.Join(a.cfg.Prefix, accountID, collectionID,
		day.Format("2006"), day.Format("01"), day.Format("02"), newObjectID()+".jsonl")
}

// Archive uploads records as one JSON-lines object.
func (a *S3Archiver) Archive(ctx context.Context, collectionID string, records []*models.ChronicleRecord) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode record %d: %w", r.ID, err)
		}
	}

	client, err := a.getClient(ctx)
	if err != nil {
		return err
	}

	key := a.Key(records[0].AccountID, collectionID, records[0].Stamp)
	err = putObject(client, ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
