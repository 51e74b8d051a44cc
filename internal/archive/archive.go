// Package archive uploads generated bundles to an S3-compatible bucket for
// durability and audit, independent of peer sync: a bundle a transport
// already delivered can still be archived for later replay or inspection.
//
// Grounded on storage_backend_s3.go's NewS3Backend: aws-sdk-go-v2 config
// loading with optional static credentials and a custom endpoint for
// S3-compatible services (MinIO and similar).
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shivay00001/sqlite-sync-core/internal/security"
	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// Config configures the S3 archive target.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // for S3-compatible services; empty means real AWS
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
	Encryption      security.Config // seals bundle bytes before upload
}

// Archiver uploads bundle files to the configured bucket, keyed by
// Prefix + bundle ID + ".bundle".
type Archiver struct {
	client  *s3.Client
	cfg     Config
	encrypt *security.Encryptor
}

func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, &syncerr.ValidationError{Field: "bucket", Msg: "archive bucket is required"}
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	enc, err := security.NewEncryptor(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("archive: building encryptor: %w", err)
	}

	return &Archiver{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg, encrypt: enc}, nil
}

// UploadBundle reads bundlePath and writes it to the archive bucket under
// Prefix + bundleID + ".bundle", sealing it first if encryption is enabled.
func (a *Archiver) UploadBundle(ctx context.Context, bundlePath, bundleID string) error {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("archive: reading bundle: %w", err)
	}

	if a.encrypt != nil {
		sealed, err := a.encrypt.Seal(data)
		if err != nil {
			return fmt.Errorf("archive: sealing bundle: %w", err)
		}
		data = sealed
	}

	key := a.cfg.Prefix + bundleID + ".bundle"
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("archive: uploading %s: %w", key, err)
	}
	return nil
}

// FetchBundle downloads a previously archived bundle to destPath, for
// disaster recovery or replaying history onto a fresh device. Opens it
// first if encryption is enabled.
func (a *Archiver) FetchBundle(ctx context.Context, bundleID, destPath string) error {
	key := a.cfg.Prefix + bundleID + ".bundle"
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("archive: fetching %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", key, err)
	}

	if a.encrypt != nil {
		opened, err := a.encrypt.Open(data)
		if err != nil {
			return fmt.Errorf("archive: opening bundle: %w", err)
		}
		data = opened
	}

	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return fmt.Errorf("archive: writing %s: %w", destPath, err)
	}
	return nil
}
