package cmd

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/leftmike/falcon/storage/falcon"
)

var (
	store     = "memory"
	dataDir   = "testdata"
	poolGuard = false

	recordMemory      = "0"
	generalMemory     = "0"
	scavengeThreshold = "64MiB"
	scavengeFloor     = "16MiB"
	chillThreshold    = "0"
	thawCache         = "16MiB"

	scavengeInterval = falcon.DefaultScavengeInterval
	lockTimeout      time.Duration
	maxRetries       = falcon.DefaultMaxRetries
)

func initEngineFlags(fs *pflag.FlagSet) {
	fs.StringVar(&store, "store", store, "store to use: memory, badger, bbolt, or pebble")
	cfgVars["store"] = fs.Lookup("store")

	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing the store")
	cfgVars["data"] = fs.Lookup("data")

	fs.StringVar(&recordMemory, "record-memory-max", recordMemory,
		"maximum `size` of record memory; 0 is unlimited")
	cfgVars["record-memory-max"] = fs.Lookup("record-memory-max")

	fs.StringVar(&generalMemory, "general-memory-max", generalMemory,
		"maximum `size` of general memory; 0 is unlimited")
	cfgVars["general-memory-max"] = fs.Lookup("general-memory-max")

	fs.StringVar(&scavengeThreshold, "record-scavenge-threshold", scavengeThreshold,
		"record memory `size` above which the scavenger runs")
	cfgVars["record-scavenge-threshold"] = fs.Lookup("record-scavenge-threshold")

	fs.StringVar(&scavengeFloor, "record-scavenge-floor", scavengeFloor,
		"`size` of the newest record versions the scavenger leaves alone")
	cfgVars["record-scavenge-floor"] = fs.Lookup("record-scavenge-floor")

	fs.DurationVar(&scavengeInterval, "scavenge-interval", scavengeInterval,
		"`time` between scavenge cycles")
	cfgVars["scavenge-interval"] = fs.Lookup("scavenge-interval")

	fs.StringVar(&chillThreshold, "chill-threshold", chillThreshold,
		"transaction `size` above which versions are chilled; 0 disables chilling")
	cfgVars["chill-threshold"] = fs.Lookup("chill-threshold")

	fs.StringVar(&thawCache, "thaw-cache", thawCache, "`size` of the cache of thawed versions")
	cfgVars["thaw-cache"] = fs.Lookup("thaw-cache")

	fs.DurationVar(&lockTimeout, "lock-timeout", lockTimeout,
		"`time` to wait for a record; 0 waits forever")
	cfgVars["lock-timeout"] = fs.Lookup("lock-timeout")

	fs.IntVar(&maxRetries, "max-retries", maxRetries,
		"`count` of scavenge and retry rounds before running out of record memory")
	cfgVars["max-retries"] = fs.Lookup("max-retries")

	fs.BoolVar(&poolGuard, "pool-guard", poolGuard, "check memory blocks for overruns")
	cfgVars["pool-guard"] = fs.Lookup("pool-guard")
}

func parseSize(name, s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("falcon: %s: %s", name, err)
	}
	return n, nil
}

func engineConfig() (falcon.Config, error) {
	cfg := falcon.Config{
		Store:            store,
		DataDir:          dataDir,
		ScavengeInterval: scavengeInterval,
		LockTimeout:      lockTimeout,
		MaxRetries:       maxRetries,
		PoolGuard:        poolGuard,
	}

	var err error
	for _, sz := range []struct {
		name string
		s    string
		n    *int64
	}{
		{"record-memory-max", recordMemory, &cfg.RecordMemoryMax},
		{"general-memory-max", generalMemory, &cfg.GeneralMemoryMax},
		{"record-scavenge-threshold", scavengeThreshold, &cfg.RecordScavengeThreshold},
		{"record-scavenge-floor", scavengeFloor, &cfg.RecordScavengeFloor},
		{"chill-threshold", chillThreshold, &cfg.ChillThreshold},
		{"thaw-cache", thawCache, &cfg.ThawCacheSize},
	} {
		*sz.n, err = parseSize(sz.name, sz.s)
		if err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func openEngine() (*falcon.Engine, error) {
	cfg, err := engineConfig()
	if err != nil {
		return nil, err
	}

	eng, err := falcon.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("falcon: %s", err)
	}
	log.WithFields(log.Fields{
		"store":                     cfg.Store,
		"data":                      cfg.DataDir,
		"record-memory-max":         units.BytesSize(float64(cfg.RecordMemoryMax)),
		"record-scavenge-threshold": units.BytesSize(float64(cfg.RecordScavengeThreshold)),
		"record-scavenge-floor":     units.BytesSize(float64(cfg.RecordScavengeFloor)),
	}).Debug("engine config")
	return eng, nil
}

func closeEngine(eng *falcon.Engine) {
	err := eng.Close()
	if err != nil {
		log.WithField("error", err).Error("engine close")
	}
}
