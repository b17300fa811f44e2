// Package storage provides S3-compatible object storage for message bodies.
//
// Bodies are content-addressed: the object key is the BLAKE3 hash of the
// message, so identical messages delivered to several recipients are stored
// once. The POP3 path is read-only; delivery agents write the objects.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/kumo/consts"
	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	getRetries    = 2
	getRetryDelay = 250 * time.Millisecond
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("failed to initialize S3 client", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{Client: client, BucketName: bucketName}, nil
}

// Get downloads an object and returns its full contents. Transient failures
// are retried a bounded number of times; a missing object maps to
// consts.ErrS3ObjectNotFound immediately.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= getRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(getRetryDelay * time.Duration(attempt)):
			}
		}

		data, err := s.getOnce(ctx, key)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, consts.ErrS3ObjectNotFound) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logger.Warn("S3 get failed, retrying", "key", key, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (s *S3Storage) getOnce(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			metrics.S3OperationsTotal.WithLabelValues("GET", "not_found").Inc()
			return nil, fmt.Errorf("%w: %s", consts.ErrS3ObjectNotFound, key)
		}
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	return data, nil
}

// Exists reports whether an object is present in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	metrics.S3OperationDuration.WithLabelValues("STAT").Observe(time.Since(start).Seconds())
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			metrics.S3OperationsTotal.WithLabelValues("STAT", "not_found").Inc()
			return false, nil
		}
		metrics.S3OperationsTotal.WithLabelValues("STAT", "error").Inc()
		return false, err
	}
	metrics.S3OperationsTotal.WithLabelValues("STAT", "success").Inc()
	return true, nil
}
