// Copyright 2025 James Ross
//
// Package config loads repository tuning parameters: chunker sizing,
// codec selection, KDF work factors, and block size. Adapted from the
// teacher's viper-based Load(path) pattern (same package originally
// carried Redis/Worker/Producer settings for a job queue; the shape
// of the loader — defaults, optional file, environment override,
// then Validate — is unchanged, only the fields are new).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"github.com/mwatts/objectrepo/internal/chunk"
	"github.com/mwatts/objectrepo/internal/codec"
)

// Config holds the tunable parameters for opening or creating a
// repository. Values that become part of the immutable repository
// metadata (chunker bits, codec choice, KDF params) are only read at
// creation time; reopening an existing repository uses the metadata
// already stored in it instead.
type Config struct {
	Chunking  ChunkingConfig `mapstructure:"chunking"`
	Codec     CodecConfig    `mapstructure:"codec"`
	KDF       KDFConfig      `mapstructure:"kdf"`
	BlockSize int            `mapstructure:"block_size"`
}

type ChunkingConfig struct {
	MinChunkSize int `mapstructure:"min_chunk_size"`
	MaxChunkSize int `mapstructure:"max_chunk_size"`
	AvgChunkSize int `mapstructure:"avg_chunk_size"`
}

type CodecConfig struct {
	CompressionEnabled bool `mapstructure:"compression_enabled"`
	EncryptionEnabled  bool `mapstructure:"encryption_enabled"`
}

type KDFConfig struct {
	Time     uint32 `mapstructure:"time"`
	MemoryKB uint32 `mapstructure:"memory_kb"`
	Threads  uint8  `mapstructure:"threads"`
}

// DefaultConfig mirrors the teacher's DefaultConfig() constructor
// (internal/smart-payload-deduplication/config.go), reusing the same
// chunk size defaults (the chunking.go Default* constants) since
// nothing about those values was specific to the job-queue domain.
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			MinChunkSize: chunk.DefaultConfig.MinSize,
			MaxChunkSize: chunk.DefaultConfig.MaxSize,
			AvgChunkSize: chunk.DefaultConfig.AvgSize,
		},
		Codec: CodecConfig{
			CompressionEnabled: true,
			EncryptionEnabled:  true,
		},
		KDF: KDFConfig{
			Time:     codec.DefaultKDFParams.Time,
			MemoryKB: codec.DefaultKDFParams.Memory,
			Threads:  codec.DefaultKDFParams.Threads,
		},
		BlockSize: 4096,
	}
}

// Load reads configuration from path (if it exists), environment
// variables prefixed OBJECTREPO_, and falls back to DefaultConfig's
// values, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault("chunking.min_chunk_size", d.Chunking.MinChunkSize)
	v.SetDefault("chunking.max_chunk_size", d.Chunking.MaxChunkSize)
	v.SetDefault("chunking.avg_chunk_size", d.Chunking.AvgChunkSize)
	v.SetDefault("codec.compression_enabled", d.Codec.CompressionEnabled)
	v.SetDefault("codec.encryption_enabled", d.Codec.EncryptionEnabled)
	v.SetDefault("kdf.time", d.KDF.Time)
	v.SetDefault("kdf.memory_kb", d.KDF.MemoryKB)
	v.SetDefault("kdf.threads", d.KDF.Threads)
	v.SetDefault("block_size", d.BlockSize)

	v.SetEnvPrefix("OBJECTREPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges, matching the teacher's
// Validate(cfg *Config) error: one fmt.Errorf-wrapped check per field.
func Validate(cfg *Config) error {
	if cfg.Chunking.MinChunkSize <= 0 {
		return fmt.Errorf("min_chunk_size must be positive, got %d", cfg.Chunking.MinChunkSize)
	}
	if cfg.Chunking.MaxChunkSize <= cfg.Chunking.MinChunkSize {
		return fmt.Errorf("max_chunk_size (%d) must be greater than min_chunk_size (%d)",
			cfg.Chunking.MaxChunkSize, cfg.Chunking.MinChunkSize)
	}
	if cfg.Chunking.AvgChunkSize < cfg.Chunking.MinChunkSize || cfg.Chunking.AvgChunkSize > cfg.Chunking.MaxChunkSize {
		return fmt.Errorf("avg_chunk_size (%d) must be between min (%d) and max (%d)",
			cfg.Chunking.AvgChunkSize, cfg.Chunking.MinChunkSize, cfg.Chunking.MaxChunkSize)
	}
	if cfg.KDF.Time == 0 {
		return fmt.Errorf("kdf.time must be positive, got %d", cfg.KDF.Time)
	}
	if cfg.KDF.MemoryKB == 0 {
		return fmt.Errorf("kdf.memory_kb must be positive, got %d", cfg.KDF.MemoryKB)
	}
	if cfg.KDF.Threads == 0 {
		return fmt.Errorf("kdf.threads must be positive, got %d", cfg.KDF.Threads)
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a positive power of two, got %d", cfg.BlockSize)
	}
	return nil
}

// ChunkConfig converts the chunking section to the chunk package's
// Config shape.
func (c *Config) ChunkConfig() chunk.Config {
	return chunk.Config{
		MinSize: c.Chunking.MinChunkSize,
		MaxSize: c.Chunking.MaxChunkSize,
		AvgSize: c.Chunking.AvgChunkSize,
	}
}

// CodecOptions converts the codec section to the codec package's
// Options shape.
func (c *Config) CodecOptions() codec.Options {
	return codec.Options{
		Compress: c.Codec.CompressionEnabled,
		Encrypt:  c.Codec.EncryptionEnabled,
	}
}

// KDFParams converts the kdf section to the codec package's KDFParams
// shape.
func (c *Config) KDFParams() codec.KDFParams {
	return codec.KDFParams{Time: c.KDF.Time, Memory: c.KDF.MemoryKB, Threads: c.KDF.Threads}
}
