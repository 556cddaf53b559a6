// Package cacheconfig implements the recognised-options surface of spec.md §6: size-string
// parsing, per-backend configuration shapes, and an eviction-strategy factory, loaded either
// from defaults, a config file, or environment variables via viper (grounded on the teacher's
// configuration conventions and the pack's kubilitics-ai viperConfigManager).
package cacheconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"encore.app/pkg/cachemap"
	"encore.app/pkg/cachemeta"
	"encore.app/pkg/eviction"
)

// MemoryConfig is the `memoryConfig` option (spec.md §6).
type MemoryConfig struct {
	MaxItems *int
	Size     cachemeta.Limits
}

// WebStorageConfig is the `webStorageConfig` option.
type WebStorageConfig struct {
	KeyPrefix string
	Compress  bool
	Size      cachemeta.Limits
}

// IndexedDBConfig is the `indexedDBConfig` option.
type IndexedDBConfig struct {
	DBName    string
	Version   int
	StoreName string
	Size      cachemeta.Limits
}

// EvictionConfig is the `evictionConfig` option: a policy selector plus every strategy's
// policy-specific knobs, each defaulted independently.
type EvictionConfig struct {
	Type string // fifo|lru|mru|lfu|random|2q|arc

	LFU eviction.LFUConfig
	TwoQ eviction.TwoQueueConfig
	ARC  eviction.ARCConfig
}

// CacheMapFactory builds a CacheMap given the key-type tags it will be asked to hold,
// required when CacheType is "custom" (spec.md §6's customCacheMapFactory).
type CacheMapFactory func(keyTypes []string) (cachemap.CacheMap, error)

// Options is the full recognised-options surface (spec.md §6).
type Options struct {
	CacheType             string
	CustomCacheMapFactory CacheMapFactory

	TTL        time.Duration
	QueryTTL   time.Duration
	BypassCache bool

	MaxRetries int
	RetryDelay time.Duration

	MemoryConfig     MemoryConfig
	WebStorageConfig WebStorageConfig
	IndexedDBConfig  IndexedDBConfig
	EvictionConfig   EvictionConfig

	EnableDebugLogging bool
	AutoSync           bool
}

// DefaultOptions returns the configuration baseline every loader starts from.
func DefaultOptions() Options {
	return Options{
		CacheType:  "memory",
		MaxRetries: 0,
		RetryDelay: 0,
		WebStorageConfig: WebStorageConfig{
			KeyPrefix: "cache",
		},
		IndexedDBConfig: IndexedDBConfig{
			DBName:    "cache",
			Version:   1,
			StoreName: "items",
		},
		EvictionConfig: EvictionConfig{
			Type: "lru",
			TwoQ: eviction.TwoQueueConfig{RecentRatio: 0.25, GhostCapacity: 64},
			LFU:  eviction.LFUConfig{MinThreshold: 0},
			ARC:  eviction.ARCConfig{RecentThreshold: 1, LearningRate: 1},
		},
	}
}

var validCacheTypes = map[string]bool{
	"memory": true, "enhancedMemory": true, "localStorage": true,
	"sessionStorage": true, "indexedDB": true, "custom": true,
}

var validEvictionTypes = map[string]bool{
	"fifo": true, "lru": true, "mru": true, "lfu": true, "random": true, "2q": true, "arc": true,
}

// Validate checks option shape, per spec.md §7's ConfigInvalid error kind ("thrown from reset
// or construction").
func (o Options) Validate() error {
	if !validCacheTypes[o.CacheType] {
		return fmt.Errorf("%w: unknown cacheType %q", ErrConfigInvalid, o.CacheType)
	}
	if o.CacheType == "custom" && o.CustomCacheMapFactory == nil {
		return fmt.Errorf("%w: customCacheMapFactory required when cacheType=custom", ErrConfigInvalid)
	}
	if !validEvictionTypes[o.EvictionConfig.Type] {
		return fmt.Errorf("%w: unknown evictionConfig.type %q", ErrConfigInvalid, o.EvictionConfig.Type)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be non-negative", ErrConfigInvalid)
	}
	if o.RetryDelay < 0 {
		return fmt.Errorf("%w: retryDelay must be non-negative", ErrConfigInvalid)
	}
	return nil
}

// BuildStrategy constructs the eviction.Strategy named by EvictionConfig.Type.
func (o Options) BuildStrategy() (eviction.Strategy, error) {
	switch o.EvictionConfig.Type {
	case "fifo":
		return eviction.NewFIFO(), nil
	case "lru":
		return eviction.NewLRU(), nil
	case "mru":
		return eviction.NewMRU(), nil
	case "random":
		return eviction.NewRandom(), nil
	case "lfu":
		return eviction.NewLFU(o.EvictionConfig.LFU), nil
	case "2q":
		return eviction.NewTwoQueue(o.EvictionConfig.TwoQ), nil
	case "arc":
		return eviction.NewARC(o.EvictionConfig.ARC), nil
	default:
		return nil, fmt.Errorf("%w: unknown evictionConfig.type %q", ErrConfigInvalid, o.EvictionConfig.Type)
	}
}

// binaryUnits maps lowercase unit suffixes to their byte multiplier; KB/MB/... use decimal
// (1000-based) scaling while KiB/MiB/... use binary (1024-based) scaling, per spec.md §6.
var binaryUnits = map[string]int64{
	"b":   1,
	"kb":  1000,
	"kib": 1024,
	"mb":  1000 * 1000,
	"mib": 1024 * 1024,
	"gb":  1000 * 1000 * 1000,
	"gib": 1024 * 1024 * 1024,
	"tb":  1000 * 1000 * 1000 * 1000,
	"tib": 1024 * 1024 * 1024 * 1024,
}

// ParseSize parses a size string like "10MB", "1.5 GiB", "512b" into a byte count, per spec.md
// §6: "B, KB/KiB, MB/MiB, GB/GiB, TB/TiB; decimal and binary units are distinguished;
// case-insensitive; optional whitespace".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty size string", ErrConfigInvalid)
	}
	i := 0
	for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	numPart := s[:i]
	unitPart := strings.ToLower(strings.TrimSpace(s[i:]))
	if numPart == "" {
		return 0, fmt.Errorf("%w: missing numeric value in size %q", ErrConfigInvalid, s)
	}
	if unitPart == "" {
		unitPart = "b"
	}
	mult, ok := binaryUnits[unitPart]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size unit %q", ErrConfigInvalid, unitPart)
	}
	var whole, frac float64
	if _, err := fmt.Sscanf(numPart, "%f", &whole); err != nil {
		return 0, fmt.Errorf("%w: invalid numeric value %q", ErrConfigInvalid, numPart)
	}
	frac = whole * float64(mult)
	return int64(frac), nil
}

// Load builds Options from defaults, an optional config file, and environment variables
// (prefix CACHE_), following the teacher pack's viper pattern: SetDefault every field, read
// the file if present (absence is not an error), let AutomaticEnv override.
func Load(configPath string) (Options, error) {
	defaults := DefaultOptions()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("CACHE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("cacheType", defaults.CacheType)
	v.SetDefault("ttl", defaults.TTL)
	v.SetDefault("queryTtl", defaults.QueryTTL)
	v.SetDefault("bypassCache", defaults.BypassCache)
	v.SetDefault("maxRetries", defaults.MaxRetries)
	v.SetDefault("retryDelay", defaults.RetryDelay)
	v.SetDefault("webStorageConfig.keyPrefix", defaults.WebStorageConfig.KeyPrefix)
	v.SetDefault("webStorageConfig.compress", defaults.WebStorageConfig.Compress)
	v.SetDefault("indexedDBConfig.dbName", defaults.IndexedDBConfig.DBName)
	v.SetDefault("indexedDBConfig.version", defaults.IndexedDBConfig.Version)
	v.SetDefault("indexedDBConfig.storeName", defaults.IndexedDBConfig.StoreName)
	v.SetDefault("evictionConfig.type", defaults.EvictionConfig.Type)
	v.SetDefault("enableDebugLogging", defaults.EnableDebugLogging)
	v.SetDefault("autoSync", defaults.AutoSync)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Options{}, fmt.Errorf("cacheconfig: reading config file: %w", err)
			}
		}
	}

	opts := defaults
	opts.CacheType = v.GetString("cacheType")
	opts.TTL = v.GetDuration("ttl")
	opts.QueryTTL = v.GetDuration("queryTtl")
	opts.BypassCache = v.GetBool("bypassCache")
	opts.MaxRetries = v.GetInt("maxRetries")
	opts.RetryDelay = v.GetDuration("retryDelay")
	opts.WebStorageConfig.KeyPrefix = v.GetString("webStorageConfig.keyPrefix")
	opts.WebStorageConfig.Compress = v.GetBool("webStorageConfig.compress")
	opts.IndexedDBConfig.DBName = v.GetString("indexedDBConfig.dbName")
	opts.IndexedDBConfig.Version = v.GetInt("indexedDBConfig.version")
	opts.IndexedDBConfig.StoreName = v.GetString("indexedDBConfig.storeName")
	opts.EvictionConfig.Type = v.GetString("evictionConfig.type")
	opts.EnableDebugLogging = v.GetBool("enableDebugLogging")
	opts.AutoSync = v.GetBool("autoSync")

	if v.IsSet("memoryConfig.maxItems") {
		n := v.GetInt("memoryConfig.maxItems")
		opts.MemoryConfig.MaxItems = &n
	}
	if v.IsSet("memoryConfig.size.maxSizeBytes") {
		raw := v.GetString("memoryConfig.size.maxSizeBytes")
		if b, err := ParseSize(raw); err == nil {
			opts.MemoryConfig.Size.MaxSizeBytes = &b
		}
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
