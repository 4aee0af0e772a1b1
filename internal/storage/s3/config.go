package s3

import (
	"time"
)

// Config represents S3 origin configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// Optimized upload settings
	EnableCargoShipUploads bool   `yaml:"enable_cargoship_uploads"`
	StorageClass           string `yaml:"storage_class"`
	MultipartThresholdMB   int    `yaml:"multipart_threshold_mb"`
	MultipartChunkMB       int    `yaml:"multipart_chunk_mb"`
	UploadConcurrency      int    `yaml:"upload_concurrency"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:                 "us-west-2",
		MaxRetries:             3,
		RequestTimeout:         30 * time.Second,
		PoolSize:               4,
		EnableCargoShipUploads: true,
		StorageClass:           "STANDARD",
		MultipartThresholdMB:   32,
		MultipartChunkMB:       16,
		UploadConcurrency:      4,
	}
}

// withDefaults fills zero values so a partially specified config works.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Region == "" {
		out.Region = "us-west-2"
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 4
	}
	if out.StorageClass == "" {
		out.StorageClass = "STANDARD"
	}
	if out.MultipartThresholdMB <= 0 {
		out.MultipartThresholdMB = 32
	}
	if out.MultipartChunkMB <= 0 {
		out.MultipartChunkMB = 16
	}
	if out.UploadConcurrency <= 0 {
		out.UploadConcurrency = 4
	}
	return &out
}
