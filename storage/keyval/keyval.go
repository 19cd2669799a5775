// Package keyval is an ordered key value store interface with btree (memory), badger,
// bbolt, and pebble backends.
package keyval

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

var (
	// MaxKey is greater than any key used by the record store.
	MaxKey = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

// Iterator returns items in key order; Item returns io.EOF after the last item.
type Iterator interface {
	Item(fn func(key, val []byte) error) error
	Close()
}

// Updater is a single writer batch of changes; only one Updater is active at a time.
type Updater interface {
	Get(key []byte, fn func(val []byte) error) error
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit(sync bool) error
	Rollback()
}

type KV interface {
	// Iterate over the keys from minKey to maxKey inclusive.
	Iterate(minKey, maxKey []byte) (Iterator, error)
	// Get calls fn with the value of key or returns io.EOF if key is not found; val is only
	// valid during the call to fn.
	Get(key []byte, fn func(val []byte) error) error
	Updater() (Updater, error)
	Close() error
}

// Open makes the KV named by store; every store except memory keeps its data in dataDir.
func Open(store, dataDir string, logger *log.Logger) (KV, error) {
	if store != "memory" {
		err := os.MkdirAll(dataDir, 0755)
		if err != nil {
			return nil, err
		}
	}

	switch store {
	case "memory":
		return MakeBTreeKV()
	case "badger":
		return MakeBadgerKV(dataDir, logger)
	case "bbolt":
		return MakeBBoltKV(dataDir)
	case "pebble":
		return MakePebbleKV(dataDir, logger)
	}
	return nil, fmt.Errorf("keyval: unknown store: %s", store)
}

func copyBytes(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}
