// Package s3 implements the origin tier backed by Amazon S3 or any
// S3-compatible store. Cache misses are filled from the bucket and dirty
// entries flush back to it on eviction.
package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	cargoconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/internal/circuit"
	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/retry"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// Origin serves cache misses from an S3 bucket and accepts write-back
// flushes. Every operation runs behind a per-operation circuit breaker
// with retries on transient failures.
type Origin struct {
	bucket      string
	prefix      string
	cfg         *Config
	client      *s3.Client
	pool        *ConnectionPool
	transporter *cargoships3.Transporter
	breakers    *circuit.Manager
	retryer     *retry.Retryer
	logger      *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats summarizes origin activity for the status surface.
type Stats struct {
	Fetches         int64                           `json:"fetches"`
	Stores          int64                           `json:"stores"`
	Errors          int64                           `json:"errors"`
	BytesDownloaded int64                           `json:"bytes_downloaded"`
	BytesUploaded   int64                           `json:"bytes_uploaded"`
	Pool            PoolStats                       `json:"pool"`
	Breakers        map[string]circuit.BreakerStats `json:"breakers"`
}

var _ types.Origin = (*Origin)(nil)

// New creates an S3 origin for the given bucket.
func New(ctx context.Context, bucket string, cfg *Config, logger *zap.Logger) (*Origin, error) {
	if bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	} else {
		cfg = cfg.withDefaults()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "s3"), zap.String("bucket", bucket))

	// The SDK's own retry loop is disabled; pkg/retry is the single retry
	// authority so attempts do not multiply.
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeOriginUnavailable, "failed to load AWS config: %v", err).
			WithComponent("s3").
			WithCause(err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}
	client := s3.NewFromConfig(awsCfg, clientOpts)

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, clientOpts), nil
	})
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeOriginUnavailable, "failed to create connection pool: %v", err).
			WithComponent("s3").
			WithCause(err)
	}

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShipUploads {
		cargoCfg := cargoconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       cargoStorageClass(cfg.StorageClass),
			MultipartThreshold: int64(cfg.MultipartThresholdMB) * 1024 * 1024,
			MultipartChunkSize: int64(cfg.MultipartChunkMB) * 1024 * 1024,
			Concurrency:        cfg.UploadConcurrency,
		}
		transporter = cargoships3.NewTransporter(client, cargoCfg)
		logger.Info("optimized uploads enabled",
			zap.Int("multipart_threshold_mb", cfg.MultipartThresholdMB),
			zap.Int("multipart_chunk_mb", cfg.MultipartChunkMB),
			zap.Int("concurrency", cfg.UploadConcurrency))
	}

	origin := &Origin{
		bucket:      bucket,
		prefix:      cfg.Prefix,
		cfg:         cfg,
		client:      client,
		pool:        pool,
		transporter: transporter,
		breakers: circuit.NewManager(circuit.Config{
			Timeout: 30 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("origin circuit state changed",
					zap.String("operation", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		retryer: retry.New(retry.Config{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			RetryableErrors: []errors.ErrorCode{
				errors.ErrCodeOriginRead,
				errors.ErrCodeOriginWrite,
				errors.ErrCodeOriginTimeout,
				errors.ErrCodeOriginUnavailable,
			},
		}),
		logger: logger,
	}
	return origin, nil
}

// Fetch retrieves an object from the bucket.
func (o *Origin) Fetch(ctx context.Context, key string) ([]byte, error) {
	var payload []byte

	err := o.breakers.GetBreaker("fetch").ExecuteWithContext(ctx, func(ctx context.Context) error {
		return o.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			client := o.pool.Get()
			if client == nil {
				return errors.NewError(errors.ErrCodeOriginUnavailable, "no S3 client available").
					WithComponent("s3").
					WithOperation("fetch")
			}
			defer o.pool.Put(client)

			ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
			defer cancel()

			result, err := client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(o.bucket),
				Key:    aws.String(o.objectKey(key)),
			})
			if err != nil {
				return o.translateError(err, "fetch", key)
			}
			defer func() { _ = result.Body.Close() }()

			data, err := io.ReadAll(result.Body)
			if err != nil {
				return errors.Newf(errors.ErrCodeOriginRead, "failed to read object body: %v", err).
					WithComponent("s3").
					WithOperation("fetch").
					WithContext("key", key).
					WithCause(err)
			}
			payload = data
			return nil
		})
	})
	if err != nil {
		o.recordError()
		return nil, err
	}

	o.mu.Lock()
	o.stats.Fetches++
	o.stats.BytesDownloaded += int64(len(payload))
	o.mu.Unlock()
	return payload, nil
}

// Store writes an object back to the bucket. Large payloads go through
// the cargoship transporter when enabled, with a plain PutObject fallback.
func (o *Origin) Store(ctx context.Context, key string, payload []byte) error {
	err := o.breakers.GetBreaker("store").ExecuteWithContext(ctx, func(ctx context.Context) error {
		if o.transporter != nil && int64(len(payload)) >= int64(o.cfg.MultipartThresholdMB)*1024*1024 {
			if err := o.uploadOptimized(ctx, key, payload); err == nil {
				return nil
			}
		}
		return o.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return o.putStandard(ctx, key, payload)
		})
	})
	if err != nil {
		o.recordError()
		return err
	}

	o.mu.Lock()
	o.stats.Stores++
	o.stats.BytesUploaded += int64(len(payload))
	o.mu.Unlock()
	return nil
}

func (o *Origin) uploadOptimized(ctx context.Context, key string, payload []byte) error {
	archive := cargoships3.Archive{
		Key:          o.objectKey(key),
		Reader:       bytes.NewReader(payload),
		Size:         int64(len(payload)),
		StorageClass: cargoStorageClass(o.cfg.StorageClass),
		Metadata: map[string]string{
			"adaptivecache-flush": "true",
		},
	}

	result, err := o.transporter.Upload(ctx, archive)
	if err != nil {
		o.logger.Warn("optimized upload failed, falling back to standard put",
			zap.String("key", key),
			zap.Int("size", len(payload)),
			zap.Error(err))
		return err
	}

	o.logger.Debug("optimized upload completed",
		zap.String("key", key),
		zap.Int("size", len(payload)),
		zap.Any("throughput", result.Throughput),
		zap.Any("duration", result.Duration))
	return nil
}

func (o *Origin) putStandard(ctx context.Context, key string, payload []byte) error {
	client := o.pool.Get()
	if client == nil {
		return errors.NewError(errors.ErrCodeOriginUnavailable, "no S3 client available").
			WithComponent("s3").
			WithOperation("store")
	}
	defer o.pool.Put(client)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(o.objectKey(key)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/octet-stream"),
		StorageClass:  awsStorageClass(o.cfg.StorageClass),
	})
	if err != nil {
		return o.translateError(err, "store", key)
	}
	return nil
}

// HealthCheck verifies bucket reachability and breaker state.
func (o *Origin) HealthCheck(ctx context.Context) error {
	if err := o.breakers.HealthCheck(); err != nil {
		return errors.Newf(errors.ErrCodeOriginUnavailable, "%v", err).
			WithComponent("s3").
			WithOperation("health")
	}

	client := o.pool.Get()
	if client == nil {
		return errors.NewError(errors.ErrCodeOriginUnavailable, "no S3 client available").
			WithComponent("s3").
			WithOperation("health")
	}
	defer o.pool.Put(client)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)}); err != nil {
		return o.translateError(err, "health", o.bucket)
	}
	return nil
}

// Close releases pooled clients.
func (o *Origin) Close() error {
	return o.pool.Close()
}

// GetStats returns a copy of the current origin statistics.
func (o *Origin) GetStats() Stats {
	o.mu.Lock()
	stats := o.stats
	o.mu.Unlock()

	stats.Pool = o.pool.Stats()
	stats.Breakers = o.breakers.GetStats()
	return stats
}

func (o *Origin) objectKey(key string) string {
	if o.prefix == "" {
		return key
	}
	return o.prefix + key
}

func (o *Origin) recordError() {
	o.mu.Lock()
	o.stats.Errors++
	o.mu.Unlock()
}

// translateError maps SDK failures onto structured cache errors so the
// retry and circuit layers can classify them.
func (o *Origin) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.Newf(errors.ErrCodeObjectNotFound, "object not found: %s", key).
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key).
			WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Newf(errors.ErrCodeOriginUnavailable, "bucket not found: %s", o.bucket).
			WithComponent("s3").
			WithOperation(operation).
			WithCause(err)
	case stderr.Is(err, context.DeadlineExceeded), stderr.Is(err, context.Canceled):
		return errors.Newf(errors.ErrCodeOriginTimeout, "%s timed out for %s", operation, key).
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key).
			WithCause(err)
	case operation == "store":
		return errors.Newf(errors.ErrCodeOriginWrite, "%s failed for %s: %v", operation, key, err).
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key).
			WithCause(err)
	default:
		return errors.Newf(errors.ErrCodeOriginRead, "%s failed for %s: %v", operation, key, err).
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key).
			WithCause(err)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

// awsStorageClass maps a configured class name to the SDK constant.
func awsStorageClass(class string) s3types.StorageClass {
	switch class {
	case "STANDARD_IA":
		return s3types.StorageClassStandardIa
	case "ONEZONE_IA":
		return s3types.StorageClassOnezoneIa
	case "GLACIER_IR":
		return s3types.StorageClassGlacierIr
	case "INTELLIGENT_TIERING":
		return s3types.StorageClassIntelligentTiering
	default:
		return s3types.StorageClassStandard
	}
}

// cargoStorageClass maps a configured class name to cargoship's constant.
func cargoStorageClass(class string) cargoconfig.StorageClass {
	switch class {
	case "STANDARD_IA":
		return cargoconfig.StorageClassStandardIA
	case "ONEZONE_IA":
		return cargoconfig.StorageClassOneZoneIA
	case "GLACIER_IR":
		return cargoconfig.StorageClassGlacier
	case "INTELLIGENT_TIERING":
		return cargoconfig.StorageClassIntelligentTiering
	default:
		return cargoconfig.StorageClassStandard
	}
}
