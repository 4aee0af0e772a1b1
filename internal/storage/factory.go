// Package storage constructs the configured origin tier.
package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/internal/config"
	"github.com/adaptivecache/adaptivecache/internal/storage/memory"
	"github.com/adaptivecache/adaptivecache/internal/storage/s3"
	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// NewOrigin builds the origin named by cfg.Type. A "none" origin returns
// nil: the cache then runs standalone, misses carry no payload, and
// nothing is flushed on eviction.
func NewOrigin(ctx context.Context, cfg config.OriginConfig, logger *zap.Logger) (types.Origin, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "memory":
		return memory.New(nil), nil

	case "s3":
		s3cfg := &s3.Config{
			Region:                 cfg.S3.Region,
			Endpoint:               cfg.S3.Endpoint,
			Prefix:                 cfg.S3.Prefix,
			ForcePathStyle:         cfg.S3.UsePathStyle,
			MaxRetries:             cfg.S3.RetryMaxAttempts,
			PoolSize:               cfg.S3.PoolSize,
			EnableCargoShipUploads: cfg.S3.Cargoship,
			StorageClass:           cfg.S3.StorageClass,
			MultipartThresholdMB:   cfg.S3.MultipartThresholdMB,
			MultipartChunkMB:       cfg.S3.MultipartChunkMB,
			UploadConcurrency:      cfg.S3.UploadConcurrency,
		}
		return s3.New(ctx, cfg.S3.Bucket, s3cfg, logger)

	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown origin type: %s", cfg.Type).
			WithComponent("storage")
	}
}
