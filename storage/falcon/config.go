package falcon

import (
	"time"
)

const (
	DefaultScavengeInterval = 30 * time.Second
	DefaultMaxRetries       = 10
	DefaultThawCacheSize    = 16 * 1024 * 1024

	// Scavenger age histogram buckets, one per generation; older versions are counted together.
	ageGroups = 32
)

type Config struct {
	// Store is one of memory, badger, bbolt, or pebble; DataDir holds its files.
	Store   string
	DataDir string

	// A scavenge cycle reclaims versions once record memory is more than
	// RecordScavengeThreshold bytes; it leaves at least RecordScavengeFloor bytes of the
	// newest versions alone. Both are used as given, including zero.
	RecordScavengeThreshold int64
	RecordScavengeFloor     int64
	ScavengeInterval        time.Duration

	// Zero means no limit.
	RecordMemoryMax  int64
	GeneralMemoryMax int64

	// Once a transaction holds more than ChillThreshold bytes of versions, its older
	// versions are chilled; zero disables chilling.
	ChillThreshold int64

	// Zero waits forever.
	LockTimeout time.Duration

	MaxRetries    int
	PoolGuard     bool
	ThawCacheSize int64
}

func (cfg *Config) setDefaults() {
	if cfg.Store == "" {
		cfg.Store = "memory"
	}
	if cfg.ScavengeInterval <= 0 {
		cfg.ScavengeInterval = DefaultScavengeInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ThawCacheSize <= 0 {
		cfg.ThawCacheSize = DefaultThawCacheSize
	}
}
