package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// maxObjectSize bounds objects read back from the bucket.
const maxObjectSize = 1 << 20

// S3Config selects a bucket and key prefix. Endpoint points at S3-compatible
// stores and switches to path-style addressing.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string

	// Static credentials. When empty the SDK default chain applies
	// (environment, shared config, instance role).
	AccessKey string
	SecretKey string
}

// S3Backend keeps blobs as private objects under {prefix}/{type}/{id}.
type S3Backend struct {
	client *s3.S3
	cfg    S3Config
	log    *slog.Logger
}

func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3Backend{
		client: s3.New(sess),
		cfg:    cfg,
		log:    log.With(slog.String("backend", "s3"), slog.String("bucket", cfg.Bucket)),
	}, nil
}

func (b *S3Backend) objectKey(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.cfg.Prefix, contentType.String(), id.String())
}

func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	key := b.objectKey(id, contentType)
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		b.log.Error("S3 read failed", slog.String("key", key), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", interfaces.ErrBackendUnavailable, key, err)
	}
	if err := verifyContent(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (b *S3Backend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	key := b.objectKey(id, contentType)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		ACL:    aws.String(s3.ObjectCannedACLPrivate),
	})
	if err != nil {
		b.log.Error("S3 write failed", slog.String("key", key), "err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	b.log.Debug("Stored content", slog.String("key", key))
	return id, nil
}

func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.cfg.Bucket)})
	if err != nil {
		b.log.Warn("S3 bucket unreachable", "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return "s3-" + b.cfg.Bucket
}

// LocationURI omits the secret key.
func (b *S3Backend) LocationURI() string {
	u := url.URL{Scheme: "s3", Host: b.cfg.Bucket, Path: "/" + b.cfg.Prefix}
	if b.cfg.AccessKey != "" {
		u.User = url.User(b.cfg.AccessKey)
	}
	q := url.Values{"region": {b.cfg.Region}}
	if b.cfg.Endpoint != "" {
		q.Set("endpoint", b.cfg.Endpoint)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey
}
