// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/chunkpack/lib/blockcompress"
	"github.com/bureau-foundation/chunkpack/lib/contentcache"
	"github.com/bureau-foundation/chunkpack/lib/packer"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local builds on a workstation.
	Development Environment = "development"
	// Staging is for build farm dry runs.
	Staging Environment = "staging"
	// Production is for shipping builds.
	Production Environment = "production"
)

// Cache kinds.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheBadger = "badger"
)

// Config is the chunkpack configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	Writer      WriterConfig      `yaml:"writer"`
	Cache       CacheConfig       `yaml:"cache"`
	ReferenceDB ReferenceDBConfig `yaml:"reference_db"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Encryption  EncryptionConfig  `yaml:"encryption"`

	// Per-environment sections, applied after the base config is
	// loaded. Only keys present in the matching section replace base
	// values.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment. Pointer fields distinguish "absent" from an explicit
// zero or false.
type ConfigOverrides struct {
	Writer      *WriterOverrides      `yaml:"writer,omitempty"`
	Cache       *CacheOverrides       `yaml:"cache,omitempty"`
	ReferenceDB *ReferenceDBOverrides `yaml:"reference_db,omitempty"`
	Metrics     *MetricsOverrides     `yaml:"metrics,omitempty"`
	Encryption  *EncryptionOverrides  `yaml:"encryption,omitempty"`
}

// WriterOverrides overrides WriterConfig.
type WriterOverrides struct {
	CompressionMethod          *string `yaml:"compression_method"`
	CompressionBlockSize       *uint32 `yaml:"compression_block_size"`
	CompressionBlockAlignment  *uint64 `yaml:"compression_block_alignment"`
	MemoryMappingAlignment     *uint64 `yaml:"memory_mapping_alignment"`
	MaxPartitionSize           *uint64 `yaml:"max_partition_size"`
	MinBytesSaved              *int    `yaml:"min_bytes_saved"`
	MinPercentSaved            *int    `yaml:"min_percent_saved"`
	MinSizeToConsiderCache     *uint64 `yaml:"min_size_to_consider_cache"`
	MaxCompressionBufferMemory *uint64 `yaml:"max_compression_buffer_memory"`
	ValidateChunkHashes        *bool   `yaml:"validate_chunk_hashes"`
	HashConcurrency            *int    `yaml:"hash_concurrency"`
	CompressConcurrency        *int    `yaml:"compress_concurrency"`
}

// CacheOverrides overrides CacheConfig.
type CacheOverrides struct {
	Kind             *string            `yaml:"kind"`
	Directory        *string            `yaml:"directory"`
	ValueLogFileSize *int64             `yaml:"value_log_file_size"`
	Get              *DispatchOverrides `yaml:"get"`
	Put              *DispatchOverrides `yaml:"put"`
}

// DispatchOverrides overrides DispatchConfig.
type DispatchOverrides struct {
	QueueTimeLimit   *time.Duration `yaml:"queue_time_limit"`
	MaxBatchItems    *int           `yaml:"max_batch_items"`
	MaxBatchBytes    *uint64        `yaml:"max_batch_bytes"`
	MaxInflightCount *int           `yaml:"max_inflight_count"`
	MaxInflightBytes *uint64        `yaml:"max_inflight_bytes"`
}

// ReferenceDBOverrides overrides ReferenceDBConfig.
type ReferenceDBOverrides struct {
	Path     *string `yaml:"path"`
	PoolSize *int    `yaml:"pool_size"`
}

// MetricsOverrides overrides MetricsConfig.
type MetricsOverrides struct {
	ListenAddress *string `yaml:"listen_address"`
}

// EncryptionOverrides overrides EncryptionConfig.
type EncryptionOverrides struct {
	SealedKey *string `yaml:"sealed_key"`
	Identity  *string `yaml:"identity"`
}

// WriterConfig mirrors packer.WriterSettings.
type WriterConfig struct {
	// CompressionMethod names a blockcompress method: none, zstd, lz4, s2.
	CompressionMethod string `yaml:"compression_method"`

	// CompressionBlockSize must be a power of two. Changing it
	// invalidates every cache entry and reference database.
	CompressionBlockSize uint32 `yaml:"compression_block_size"`

	CompressionBlockAlignment uint64 `yaml:"compression_block_alignment"`
	MemoryMappingAlignment    uint64 `yaml:"memory_mapping_alignment"`

	// MaxPartitionSize of zero writes a single partition.
	MaxPartitionSize uint64 `yaml:"max_partition_size"`

	MinBytesSaved   int `yaml:"min_bytes_saved"`
	MinPercentSaved int `yaml:"min_percent_saved"`

	MinSizeToConsiderCache     uint64 `yaml:"min_size_to_consider_cache"`
	MaxCompressionBufferMemory uint64 `yaml:"max_compression_buffer_memory"`

	ValidateChunkHashes bool `yaml:"validate_chunk_hashes"`

	// Zero means GOMAXPROCS.
	HashConcurrency     int `yaml:"hash_concurrency"`
	CompressConcurrency int `yaml:"compress_concurrency"`
}

// CacheConfig selects and tunes the content cache.
type CacheConfig struct {
	// Kind is none, memory, or badger.
	Kind string `yaml:"kind"`

	// Directory holds the badger database.
	Directory string `yaml:"directory"`

	// ValueLogFileSize bounds badger value log files. Zero keeps
	// badger's default.
	ValueLogFileSize int64 `yaml:"value_log_file_size"`

	Get DispatchConfig `yaml:"get"`
	Put DispatchConfig `yaml:"put"`
}

// DispatchConfig mirrors contentcache.DispatchSettings. Zero fields
// take the contentcache defaults.
type DispatchConfig struct {
	QueueTimeLimit   time.Duration `yaml:"queue_time_limit"`
	MaxBatchItems    int           `yaml:"max_batch_items"`
	MaxBatchBytes    uint64        `yaml:"max_batch_bytes"`
	MaxInflightCount int           `yaml:"max_inflight_count"`
	MaxInflightBytes uint64        `yaml:"max_inflight_bytes"`
}

// ReferenceDBConfig locates the reference chunk database.
type ReferenceDBConfig struct {
	// Path is the SQLite file. Empty disables reference reuse.
	Path string `yaml:"path"`

	PoolSize int `yaml:"pool_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddress serves /metrics while a build runs. Empty disables it.
	ListenAddress string `yaml:"listen_address"`
}

// EncryptionConfig locates the container key.
type EncryptionConfig struct {
	// SealedKey is an age-encrypted container key written by
	// chunkpack keygen.
	SealedKey string `yaml:"sealed_key"`

	// Identity is the age identity file that opens SealedKey.
	Identity string `yaml:"identity"`
}

// Default returns the default configuration. LoadFile decodes the file
// over these values.
func Default() *Config {
	return &Config{
		Environment: Development,
		Writer: WriterConfig{
			CompressionMethod:          blockcompress.LZ4.String(),
			CompressionBlockSize:       packer.DefaultCompressionBlockSize,
			MemoryMappingAlignment:     packer.DefaultMemoryMappingAlignment,
			MinBytesSaved:              packer.DefaultMinBytesSaved,
			MinPercentSaved:            packer.DefaultMinPercentSaved,
			MaxCompressionBufferMemory: packer.DefaultMaxCompressionBufferMemory,
		},
		Cache: CacheConfig{
			Kind: CacheNone,
		},
		ReferenceDB: ReferenceDBConfig{
			PoolSize: 4,
		},
	}
}

// Load loads configuration from the file named by CHUNKPACK_CONFIG.
// There is no fallback when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("CHUNKPACK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CHUNKPACK_CONFIG environment variable not set; " +
			"set it to the path of your chunkpack.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// section for the configured environment, and expands ${VAR} and
// ${VAR:-default} in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.parse(data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	c.applyEnvironmentOverrides()
	c.expandVariables()
	return nil
}

// applyEnvironmentOverrides merges the environment's section over the
// base values, field by field.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production always checks precomputed hashes unless its
		// section says otherwise.
		c.Writer.ValidateChunkHashes = true
	}

	if overrides == nil {
		return
	}

	if writer := overrides.Writer; writer != nil {
		override(&c.Writer.CompressionMethod, writer.CompressionMethod)
		override(&c.Writer.CompressionBlockSize, writer.CompressionBlockSize)
		override(&c.Writer.CompressionBlockAlignment, writer.CompressionBlockAlignment)
		override(&c.Writer.MemoryMappingAlignment, writer.MemoryMappingAlignment)
		override(&c.Writer.MaxPartitionSize, writer.MaxPartitionSize)
		override(&c.Writer.MinBytesSaved, writer.MinBytesSaved)
		override(&c.Writer.MinPercentSaved, writer.MinPercentSaved)
		override(&c.Writer.MinSizeToConsiderCache, writer.MinSizeToConsiderCache)
		override(&c.Writer.MaxCompressionBufferMemory, writer.MaxCompressionBufferMemory)
		override(&c.Writer.ValidateChunkHashes, writer.ValidateChunkHashes)
		override(&c.Writer.HashConcurrency, writer.HashConcurrency)
		override(&c.Writer.CompressConcurrency, writer.CompressConcurrency)
	}

	if cache := overrides.Cache; cache != nil {
		override(&c.Cache.Kind, cache.Kind)
		override(&c.Cache.Directory, cache.Directory)
		override(&c.Cache.ValueLogFileSize, cache.ValueLogFileSize)
		cache.Get.applyTo(&c.Cache.Get)
		cache.Put.applyTo(&c.Cache.Put)
	}

	if referenceDB := overrides.ReferenceDB; referenceDB != nil {
		override(&c.ReferenceDB.Path, referenceDB.Path)
		override(&c.ReferenceDB.PoolSize, referenceDB.PoolSize)
	}

	if metrics := overrides.Metrics; metrics != nil {
		override(&c.Metrics.ListenAddress, metrics.ListenAddress)
	}

	if encryption := overrides.Encryption; encryption != nil {
		override(&c.Encryption.SealedKey, encryption.SealedKey)
		override(&c.Encryption.Identity, encryption.Identity)
	}
}

func (o *DispatchOverrides) applyTo(target *DispatchConfig) {
	if o == nil {
		return
	}
	override(&target.QueueTimeLimit, o.QueueTimeLimit)
	override(&target.MaxBatchItems, o.MaxBatchItems)
	override(&target.MaxBatchBytes, o.MaxBatchBytes)
	override(&target.MaxInflightCount, o.MaxInflightCount)
	override(&target.MaxInflightBytes, o.MaxInflightBytes)
}

// override sets *target when value is present.
func override[T any](target *T, value *T) {
	if value != nil {
		*target = *value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Cache.Directory = expandVars(c.Cache.Directory, vars)
	c.ReferenceDB.Path = expandVars(c.ReferenceDB.Path, vars)
	c.Metrics.ListenAddress = expandVars(c.Metrics.ListenAddress, vars)
	c.Encryption.SealedKey = expandVars(c.Encryption.SealedKey, vars)
	c.Encryption.Identity = expandVars(c.Encryption.Identity, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if _, err := blockcompress.ParseMethod(c.Writer.CompressionMethod); err != nil {
		errs = append(errs, fmt.Errorf("writer.compression_method: %w", err))
	}
	if size := c.Writer.CompressionBlockSize; size == 0 || bits.OnesCount32(size) != 1 {
		errs = append(errs, fmt.Errorf("writer.compression_block_size %d is not a power of two", size))
	}
	if c.Writer.MinPercentSaved < 0 || c.Writer.MinPercentSaved > 100 {
		errs = append(errs, fmt.Errorf("writer.min_percent_saved must be within 0..100"))
	}
	if c.Writer.HashConcurrency < 0 || c.Writer.CompressConcurrency < 0 {
		errs = append(errs, fmt.Errorf("writer concurrency limits must not be negative"))
	}

	cacheKinds := []string{CacheNone, CacheMemory, CacheBadger}
	if !contains(cacheKinds, c.Cache.Kind) {
		errs = append(errs, fmt.Errorf("cache.kind must be one of: %v", cacheKinds))
	}
	if c.Cache.Kind == CacheBadger && c.Cache.Directory == "" {
		errs = append(errs, fmt.Errorf("cache.directory is required for the badger cache"))
	}
	for name, dispatch := range map[string]DispatchConfig{"get": c.Cache.Get, "put": c.Cache.Put} {
		if dispatch.QueueTimeLimit < 0 || dispatch.MaxBatchItems < 0 || dispatch.MaxInflightCount < 0 {
			errs = append(errs, fmt.Errorf("cache.%s limits must not be negative", name))
		}
	}

	if c.ReferenceDB.Path != "" && c.ReferenceDB.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("reference_db.pool_size must be at least 1"))
	}

	if (c.Encryption.SealedKey == "") != (c.Encryption.Identity == "") {
		errs = append(errs, fmt.Errorf("encryption.sealed_key and encryption.identity must be set together"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// WriterSettings converts the writer and cache sections to packer
// settings. The cache store, logger, and metrics sink are left for the
// caller to set.
func (c *Config) WriterSettings() (packer.WriterSettings, error) {
	method, err := blockcompress.ParseMethod(c.Writer.CompressionMethod)
	if err != nil {
		return packer.WriterSettings{}, err
	}
	get, put := c.DispatchSettings()
	return packer.WriterSettings{
		CompressionMethod:          method,
		CompressionBlockSize:       c.Writer.CompressionBlockSize,
		CompressionBlockAlignment:  c.Writer.CompressionBlockAlignment,
		MemoryMappingAlignment:     c.Writer.MemoryMappingAlignment,
		MaxPartitionSize:           c.Writer.MaxPartitionSize,
		MinBytesSaved:              c.Writer.MinBytesSaved,
		MinPercentSaved:            c.Writer.MinPercentSaved,
		MinSizeToConsiderCache:     c.Writer.MinSizeToConsiderCache,
		MaxCompressionBufferMemory: c.Writer.MaxCompressionBufferMemory,
		ValidateChunkHashes:        c.Writer.ValidateChunkHashes,
		UseCache:                   c.Cache.Kind != CacheNone,
		GetDispatch:                get,
		PutDispatch:                put,
		HashConcurrency:            c.Writer.HashConcurrency,
		CompressConcurrency:        c.Writer.CompressConcurrency,
	}, nil
}

// DispatchSettings returns the get and put dispatcher settings, with
// contentcache defaults in place of zero fields.
func (c *Config) DispatchSettings() (get, put contentcache.DispatchSettings) {
	return c.Cache.Get.settings(contentcache.DefaultGetSettings()),
		c.Cache.Put.settings(contentcache.DefaultPutSettings())
}

func (d DispatchConfig) settings(defaults contentcache.DispatchSettings) contentcache.DispatchSettings {
	if d.QueueTimeLimit != 0 {
		defaults.QueueTimeLimit = d.QueueTimeLimit
	}
	if d.MaxBatchItems != 0 {
		defaults.MaxBatchItems = d.MaxBatchItems
	}
	if d.MaxBatchBytes != 0 {
		defaults.MaxBatchBytes = d.MaxBatchBytes
	}
	if d.MaxInflightCount != 0 {
		defaults.MaxInflightCount = d.MaxInflightCount
	}
	if d.MaxInflightBytes != 0 {
		defaults.MaxInflightBytes = d.MaxInflightBytes
	}
	return defaults
}

// OpenCache opens the configured cache store. The returned closer is
// never nil. Kind none returns a nil store.
func (c *Config) OpenCache(logger *slog.Logger) (contentcache.Store, io.Closer, error) {
	switch c.Cache.Kind {
	case CacheNone:
		return nil, nopCloser{}, nil
	case CacheMemory:
		return contentcache.NewMemoryStore(), nopCloser{}, nil
	case CacheBadger:
		store, err := contentcache.OpenBadger(contentcache.BadgerConfig{
			Directory:        c.Cache.Directory,
			ValueLogFileSize: c.Cache.ValueLogFileSize,
			Logger:           logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache kind %q", c.Cache.Kind)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
