package cacheconfig

import (
	"errors"
	"testing"

	"encore.app/pkg/cachemap"
)

func TestParseSizeDistinguishesDecimalAndBinary(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512B", 512},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"2MB", 2_000_000},
		{"2MiB", 2 * 1024 * 1024},
		{"1GB", 1_000_000_000},
		{"1GiB", 1024 * 1024 * 1024},
		{"  10 mb ", 10_000_000},
		{"1.5KiB", 1536},
		{"42", 42},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeRejectsUnknownUnit(t *testing.T) {
	if _, err := ParseSize("10XB"); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestParseSizeRejectsEmptyString(t *testing.T) {
	if _, err := ParseSize(""); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestDefaultOptionsValidate(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("DefaultOptions() should validate: %v", err)
	}
}

func TestValidateRejectsUnknownCacheType(t *testing.T) {
	o := DefaultOptions()
	o.CacheType = "bogus"
	if err := o.Validate(); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestValidateRequiresCustomFactoryForCustomType(t *testing.T) {
	o := DefaultOptions()
	o.CacheType = "custom"
	if err := o.Validate(); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for missing factory, got %v", err)
	}
	o.CustomCacheMapFactory = func(keyTypes []string) (cachemap.CacheMap, error) {
		return cachemap.NewMemory(), nil
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("expected valid once factory is set: %v", err)
	}
}

func TestValidateRejectsNegativeRetryFields(t *testing.T) {
	o := DefaultOptions()
	o.MaxRetries = -1
	if err := o.Validate(); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestBuildStrategyCoversEveryEvictionType(t *testing.T) {
	for _, typ := range []string{"fifo", "lru", "mru", "random", "lfu", "2q", "arc"} {
		o := DefaultOptions()
		o.EvictionConfig.Type = typ
		strat, err := o.BuildStrategy()
		if err != nil {
			t.Fatalf("BuildStrategy(%q): %v", typ, err)
		}
		if strat == nil {
			t.Fatalf("BuildStrategy(%q) returned nil strategy", typ)
		}
	}
}

func TestLoadWithMissingConfigFileFallsBackToDefaults(t *testing.T) {
	opts, err := Load("/nonexistent/path/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load with missing file should not error: %v", err)
	}
	if opts.CacheType != "memory" {
		t.Fatalf("expected default cacheType, got %q", opts.CacheType)
	}
}
