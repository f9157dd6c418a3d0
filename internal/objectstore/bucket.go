// Copyright 2025 James Ross
// Package objectstore implements the two buckets the backend client hands
// to the worker engine after a successful join: the tile bucket and the
// volumetric bucket. Both are thin, credential-scoped S3 clients — grounded
// in the same aws-sdk-go session/uploader pattern as the archival exporter,
// trimmed to the one operation the engine needs: a single PUT with a fixed
// ACL, storage class, and metadata map.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// ErrCode wraps an AWS error code (e.g. "AccessDenied", "InvalidAccessKeyId")
// surfaced by a failed Put, so callers can classify upload failures on the
// typed SDK's error code directly instead of matching error-message
// prefixes.
type ErrCode struct {
	Code string
	Key  string
	Err  error
}

func (e *ErrCode) Error() string { return fmt.Sprintf("objectstore: %s: %s: %v", e.Code, e.Key, e.Err) }
func (e *ErrCode) Unwrap() error { return e.Err }

// awsErrorCode extracts the AWS error code from err, if any, walking through
// wrapped errors and s3manager's batched upload-failure type.
func awsErrorCode(err error) (string, bool) {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code(), true
	}
	var multi s3manager.MultiUploadFailure
	if errors.As(err, &multi) {
		return multi.Code(), true
	}
	return "", false
}

// Credentials is the subset of a credential bundle the object store needs.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Config identifies one bucket and the region/endpoint to reach it at.
// Endpoint is optional, set only for MinIO/LocalStack-style test doubles.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// Bucket is a credential-scoped handle to one S3(-compatible) bucket, built
// fresh every time the engine rejoins and receives a new credential bundle.
type Bucket struct {
	name     string
	uploader *s3manager.Uploader
	logger   *zap.Logger
}

// New builds a Bucket bound to the given credentials. Each call to join
// should construct new Bucket handles; credentials are not refreshed
// in-place.
func New(cfg Config, creds Credentials, logger *zap.Logger) (*Bucket, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new session: %w", err)
	}
	return &Bucket{
		name:     cfg.Bucket,
		uploader: s3manager.NewUploader(sess),
		logger:   logger,
	}, nil
}

// Put uploads body under key with ACL private and storage class STANDARD,
// attaching the given string metadata: both the tile bucket
// (message_id/receipt_handle/metadata JSON) and the volumetric bucket
// (ingest_job/chunk_key/parameters JSON) call this the same way.
func (b *Bucket) Put(ctx context.Context, key string, body []byte, metadata map[string]string) error {
	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		v := v
		meta[k] = aws.String(v)
	}
	input := &s3manager.UploadInput{
		Bucket:       aws.String(b.name),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ACL:          aws.String(s3.ObjectCannedACLPrivate),
		StorageClass: aws.String(s3.StorageClassStandard),
		Metadata:     meta,
	}
	if _, err := b.uploader.UploadWithContext(ctx, input); err != nil {
		if code, ok := awsErrorCode(err); ok {
			return fmt.Errorf("objectstore: put %s/%s: %w", b.name, key, &ErrCode{Code: code, Key: key, Err: err})
		}
		return fmt.Errorf("objectstore: put %s/%s: %w", b.name, key, err)
	}
	b.logger.Debug("object uploaded",
		zap.String("bucket", b.name), zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}
