// Package s3 provides the object storage backend for archived segments.
// It speaks to AWS S3 or any S3-compatible target (MinIO and friends)
// through a custom endpoint with path-style addressing.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	sdkcfg "github.com/aws/aws-sdk-go-v2/config"
	sdkcrd "github.com/aws/aws-sdk-go-v2/credentials"
	sdksss "github.com/aws/aws-sdk-go-v2/service/s3"
	sdktps "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/hyra-network/scribe-ledger/pkg/config"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/metrics"
)

// ObjectStore is the slice of the backend the archival engine consumes.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Backend is the aws-sdk-go-v2 implementation of ObjectStore.
type Backend struct {
	client  *sdksss.Client
	bucket  string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ ObjectStore = (*Backend)(nil)

// SegmentKey returns the object key for a segment body.
func SegmentKey(id uint64) string {
	return fmt.Sprintf("segments/segment-%020d.bin", id)
}

// MetaKey returns the object key for a segment's metadata document.
func MetaKey(id uint64) string {
	return fmt.Sprintf("segments/segment-%020d.meta.json", id)
}

// New builds a backend from the [storage.s3] configuration section.
func New(ctx context.Context, cfg config.S3Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*sdkcfg.LoadOptions) error{
		sdkcfg.WithRegion(cfg.Region),
		sdkcfg.WithRetryer(func() sdkaws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), cfg.MaxRetries+1)
		}),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, sdkcfg.WithCredentialsProvider(
			sdkcrd.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.PoolSize > 0 {
		loadOpts = append(loadOpts, sdkcfg.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.PoolSize,
				MaxIdleConnsPerHost: cfg.PoolSize,
			},
		}))
	}

	awsCfg, err := sdkcfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := sdksss.NewFromConfig(awsCfg, func(opt *sdksss.Options) {
		if cfg.Endpoint != "" {
			opt.BaseEndpoint = sdkaws.String(cfg.Endpoint)
		}
		opt.UsePathStyle = cfg.PathStyle
	})

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Backend{
		client:  client,
		bucket:  cfg.Bucket,
		timeout: timeout,
		logger:  log.WithComponent("s3"),
	}, nil
}

func (b *Backend) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// PutObject uploads body under key.
func (b *Backend) PutObject(ctx context.Context, key string, body []byte) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	_, err := b.client.PutObject(ctx, &sdksss.PutObjectInput{
		Bucket: sdkaws.String(b.bucket),
		Key:    sdkaws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		metrics.S3OpsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("putting %s: %w", key, err)
	}
	metrics.S3OpsTotal.WithLabelValues("put", "ok").Inc()
	b.logger.Debug().Str("key", key).Int("bytes", len(body)).Msg("object uploaded")
	return nil
}

// GetObject downloads the object at key. A missing key returns
// (nil, nil), not an error.
func (b *Backend) GetObject(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	out, err := b.client.GetObject(ctx, &sdksss.GetObjectInput{
		Bucket: sdkaws.String(b.bucket),
		Key:    sdkaws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			metrics.S3OpsTotal.WithLabelValues("get", "miss").Inc()
			return nil, nil
		}
		metrics.S3OpsTotal.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	metrics.S3OpsTotal.WithLabelValues("get", "ok").Inc()
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// DeleteObject removes the object at key. Deleting a missing key is a
// no-op.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	_, err := b.client.DeleteObject(ctx, &sdksss.DeleteObjectInput{
		Bucket: sdkaws.String(b.bucket),
		Key:    sdkaws.String(key),
	})
	if err != nil && !isNotFound(err) {
		metrics.S3OpsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	metrics.S3OpsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// ListObjects returns the keys under prefix, following pagination.
func (b *Backend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := sdksss.NewListObjectsV2Paginator(b.client, &sdksss.ListObjectsV2Input{
		Bucket: sdkaws.String(b.bucket),
		Prefix: sdkaws.String(prefix),
	})
	for paginator.HasMorePages() {
		pageCtx, cancel := b.callCtx(ctx)
		page, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, sdkaws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var noKey *sdktps.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
