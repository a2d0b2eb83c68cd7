package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/systmms/credrotate/internal/model"
)

// Archiver stores a batch of records before they are purged and returns a
// locator for the stored batch.
type Archiver interface {
	Archive(ctx context.Context, records []*model.AuditRecord, cutoff time.Time) (string, error)
}

// ArchiveConfig configures the S3-compatible purge archive.
type ArchiveConfig struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
	UseSSL          bool   `yaml:"use_ssl,omitempty" json:"use_ssl,omitempty"`
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
}

// Enabled reports whether an archive destination is configured.
func (c ArchiveConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// objectStore is the subset of *minio.Client used by S3Archiver.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Archiver writes purge batches as JSONL objects to an S3-compatible bucket.
type S3Archiver struct {
	client objectStore
	bucket string
	prefix string
}

// NewS3Archiver creates a MinIO client for cfg and ensures the bucket exists.
func NewS3Archiver(ctx context.Context, cfg ArchiveConfig) (*S3Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	a := newS3Archiver(client, cfg.Bucket, cfg.Prefix)
	if err := a.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return a, nil
}

func newS3Archiver(client objectStore, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) ensureBucket(ctx context.Context, region string) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Archive uploads records as one JSONL object named after the cutoff.
func (a *S3Archiver) Archive(ctx context.Context, records []*model.AuditRecord, cutoff time.Time) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return "", fmt.Errorf("failed to encode audit record %s: %w", r.ID, err)
		}
	}

	name := fmt.Sprintf("audit-purge-%s-%s.jsonl", cutoff.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	key := path.Join(a.prefix, name)

	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return "", fmt.Errorf("failed to upload audit archive %s: %w", key, err)
	}
	return a.bucket + "/" + key, nil
}
