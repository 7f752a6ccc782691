package cache

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default tuning values shared by the tier configs.
const (
	DefaultMaxBytes             = 64 * 1024 * 1024
	DefaultMaxEntries           = 10000
	DefaultTTL                  = 5 * time.Minute
	DefaultSharedTTL            = 1 * time.Hour
	DefaultJitterFactor         = 0.1
	DefaultCompressionThreshold = 1024
	DefaultMaxKeyLength         = 200
	DefaultTopKeys              = 10

	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 2 * time.Second
	DefaultWriteTimeout = 2 * time.Second
	DefaultPoolSize     = 10

	DefaultSharedThresholdBytes = 10 * 1024
	DefaultLargePayloadBytes    = 64 * 1024
)

// LocalTierConfig configures the in-process bounded tier. The config is
// treated as immutable after construction.
type LocalTierConfig struct {
	Name                 string             `mapstructure:"name"`
	MaxBytes             int64              `mapstructure:"max_bytes"`
	MaxEntries           int                `mapstructure:"max_entries"`
	DefaultTTL           time.Duration      `mapstructure:"default_ttl"`
	JitterFactor         float64            `mapstructure:"jitter_factor"`
	CompressionThreshold int                `mapstructure:"compression_threshold"`
	DefaultAlgorithm     Algorithm          `mapstructure:"default_algorithm"`
	TypeMultipliers      map[string]float64 `mapstructure:"type_multipliers"`
	MaxKeyLength         int                `mapstructure:"max_key_length"`
	TopKeys              int                `mapstructure:"top_keys"`
}

// DefaultLocalTierConfig returns the default local tier configuration.
func DefaultLocalTierConfig() LocalTierConfig {
	return LocalTierConfig{
		Name:                 "local",
		MaxBytes:             DefaultMaxBytes,
		MaxEntries:           DefaultMaxEntries,
		DefaultTTL:           DefaultTTL,
		JitterFactor:         DefaultJitterFactor,
		CompressionThreshold: DefaultCompressionThreshold,
		DefaultAlgorithm:     AlgorithmGzip,
		TypeMultipliers:      DefaultTypeMultipliers(),
		MaxKeyLength:         DefaultMaxKeyLength,
		TopKeys:              DefaultTopKeys,
	}
}

func (c *LocalTierConfig) applyDefaults() {
	def := DefaultLocalTierConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		c.JitterFactor = def.JitterFactor
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.DefaultAlgorithm == AlgorithmNone {
		c.DefaultAlgorithm = def.DefaultAlgorithm
	}
	if c.TypeMultipliers == nil {
		c.TypeMultipliers = def.TypeMultipliers
	}
	if c.MaxKeyLength <= 0 {
		c.MaxKeyLength = def.MaxKeyLength
	}
	if c.TopKeys <= 0 {
		c.TopKeys = def.TopKeys
	}
}

// SharedTierConfig configures the Redis-backed shared tier.
type SharedTierConfig struct {
	Name      string `mapstructure:"name"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`

	DefaultTTL           time.Duration      `mapstructure:"default_ttl"`
	JitterFactor         float64            `mapstructure:"jitter_factor"`
	CompressionThreshold int                `mapstructure:"compression_threshold"`
	DefaultAlgorithm     Algorithm          `mapstructure:"default_algorithm"`
	TypeMultipliers      map[string]float64 `mapstructure:"type_multipliers"`
	MaxValueBytes        int64              `mapstructure:"max_value_bytes"`

	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`

	// FallbackMode substitutes an in-process degraded store when the
	// shared store cannot be reached at construction time.
	FallbackMode       bool `mapstructure:"fallback_mode"`
	FallbackMaxEntries int  `mapstructure:"fallback_max_entries"`
}

// DefaultSharedTierConfig returns the default shared tier configuration.
func DefaultSharedTierConfig() SharedTierConfig {
	return SharedTierConfig{
		Name:                 "shared",
		Addr:                 "localhost:6379",
		Namespace:            "storecache",
		DefaultTTL:           DefaultSharedTTL,
		JitterFactor:         DefaultJitterFactor,
		CompressionThreshold: DefaultCompressionThreshold,
		DefaultAlgorithm:     AlgorithmGzip,
		TypeMultipliers:      DefaultTypeMultipliers(),
		MaxRetries:           DefaultMaxRetries,
		RetryBackoff:         DefaultRetryBackoff,
		DialTimeout:          DefaultDialTimeout,
		ReadTimeout:          DefaultReadTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		PoolSize:             DefaultPoolSize,
		FallbackMode:         true,
		FallbackMaxEntries:   DefaultMaxEntries,
	}
}

func (c *SharedTierConfig) applyDefaults() {
	def := DefaultSharedTierConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		c.JitterFactor = def.JitterFactor
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.DefaultAlgorithm == AlgorithmNone {
		c.DefaultAlgorithm = def.DefaultAlgorithm
	}
	if c.TypeMultipliers == nil {
		c.TypeMultipliers = def.TypeMultipliers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.FallbackMaxEntries <= 0 {
		c.FallbackMaxEntries = def.FallbackMaxEntries
	}
}

// ManagerConfig configures tier composition and write routing.
type ManagerConfig struct {
	// Namespace prefixes every generated key.
	Namespace string `mapstructure:"namespace"`

	// SharedThresholdBytes routes payloads at or above this size to the
	// slower tiers in addition to the fastest one.
	SharedThresholdBytes int `mapstructure:"shared_threshold_bytes"`

	// AlwaysSharedTypes lists data types that are always written to the
	// slower tiers regardless of size.
	AlwaysSharedTypes []string `mapstructure:"always_shared_types"`

	// LargePayloadBytes is the size at which compression switches from
	// the higher-ratio algorithm to the faster one.
	LargePayloadBytes int `mapstructure:"large_payload_bytes"`
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Namespace:            "sc",
		SharedThresholdBytes: DefaultSharedThresholdBytes,
		AlwaysSharedTypes:    []string{"product", "customer", "analytics"},
		LargePayloadBytes:    DefaultLargePayloadBytes,
	}
}

func (c *ManagerConfig) applyDefaults() {
	def := DefaultManagerConfig()
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.SharedThresholdBytes <= 0 {
		c.SharedThresholdBytes = def.SharedThresholdBytes
	}
	if c.AlwaysSharedTypes == nil {
		c.AlwaysSharedTypes = def.AlwaysSharedTypes
	}
	if c.LargePayloadBytes <= 0 {
		c.LargePayloadBytes = def.LargePayloadBytes
	}
}

// Config bundles the tier and manager configuration for loading from a
// single configuration tree.
type Config struct {
	Local         LocalTierConfig  `mapstructure:"local"`
	Shared        SharedTierConfig `mapstructure:"shared"`
	SharedEnabled bool             `mapstructure:"shared_enabled"`
	Manager       ManagerConfig    `mapstructure:"manager"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Local:         DefaultLocalTierConfig(),
		Shared:        DefaultSharedTierConfig(),
		SharedEnabled: false,
		Manager:       DefaultManagerConfig(),
	}
}

// LoadConfigFromViper reads cache configuration from the "cache" subtree of
// the given viper instance, applying defaults for anything unset.
func LoadConfigFromViper(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()

	if sub := v.Sub("cache"); sub != nil {
		if err := sub.Unmarshal(config); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	config.Local.applyDefaults()
	config.Shared.applyDefaults()
	config.Manager.applyDefaults()

	if config.SharedEnabled && config.Shared.Addr == "" {
		return nil, fmt.Errorf("%w: shared tier enabled without addr", ErrInvalidConfig)
	}

	return config, nil
}
