// Package mempool is a segmented memory allocator. Small blocks come from per size class
// free lists carved out of small hunks; big blocks come from a best fit free tree over big
// hunks, coalescing with free neighbours when released.
package mempool

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	classStep = 16
	guardSize = 8
	guardByte = 0xA5

	DefaultSmallThreshold = 1024
	DefaultSmallHunkSize  = 64 * 1024
	DefaultBigHunkSize    = 1024 * 1024
)

type Config struct {
	Name string

	// MaxMemory limits the memory held in hunks; zero means no limit.
	MaxMemory int64

	// Allocations of SmallThreshold bytes or less come from size classes.
	SmallThreshold int
	SmallHunkSize  int
	BigHunkSize    int

	// Guard places guard bytes after every block; they are checked on release and by
	// Validate.
	Guard bool
}

type Pool struct {
	cfg   Config
	guard int

	small []smallClass
	big   bigPool

	hunkMemory   atomic.Int64
	activeMemory atomic.Int64
	allocations  atomic.Uint64
	releases     atomic.Uint64
}

// Block is memory allocated from a Pool. It must be returned to the same Pool with Release
// exactly once.
type Block struct {
	data  []byte
	class int
	id    uint32
	big   *bigBlock
}

type Stats struct {
	Name          string
	ActiveMemory  int64
	HunkMemory    int64
	MaxMemory     int64
	SmallHunks    int
	BigHunks      int
	FreeBigBlocks int
	LargestFree   int
	Allocations   uint64
	Releases      uint64
}

func (cfg *Config) setDefaults() {
	if cfg.SmallThreshold <= 0 {
		cfg.SmallThreshold = DefaultSmallThreshold
	}
	cfg.SmallThreshold = roundUp(cfg.SmallThreshold, classStep)
	if cfg.SmallHunkSize <= 0 {
		cfg.SmallHunkSize = DefaultSmallHunkSize
	}
	if cfg.SmallHunkSize < cfg.SmallThreshold+guardSize {
		cfg.SmallHunkSize = cfg.SmallThreshold + guardSize
	}
	if cfg.BigHunkSize <= 0 {
		cfg.BigHunkSize = DefaultBigHunkSize
	}
	if cfg.BigHunkSize < 4*cfg.SmallThreshold {
		cfg.BigHunkSize = 4 * cfg.SmallThreshold
	}
}

func roundUp(n, m int) int {
	return ((n + m - 1) / m) * m
}

func NewPool(cfg Config) *Pool {
	cfg.setDefaults()
	mp := &Pool{
		cfg: cfg,
	}
	if cfg.Guard {
		mp.guard = guardSize
	}

	mp.small = make([]smallClass, cfg.SmallThreshold/classStep)
	for idx := range mp.small {
		sc := &mp.small[idx]
		sc.size = (idx + 1) * classStep
		sc.slotSize = sc.size + mp.guard
		sc.perHunk = cfg.SmallHunkSize / sc.slotSize
		sc.hunks.Store(&[]*smallHunk{})
	}
	mp.big.init()
	return mp
}

func (mp *Pool) Name() string {
	return mp.cfg.Name
}

func (mp *Pool) Config() Config {
	return mp.cfg
}

// Allocate returns a block of at least size bytes; Bytes is exactly size bytes long.
func (mp *Pool) Allocate(size int) (Block, error) {
	if size < 0 {
		return Block{}, errors.Errorf("mempool: %s: negative allocation: %d", mp.cfg.Name, size)
	}

	var blk Block
	var err error
	if size <= mp.cfg.SmallThreshold {
		blk, err = mp.allocateSmall(size)
	} else {
		blk, err = mp.allocateBig(size)
	}
	if err != nil {
		return Block{}, err
	}

	mp.allocations.Inc()
	mp.activeMemory.Add(int64(blk.capacity()))
	return blk, nil
}

func (mp *Pool) Release(blk Block) {
	if blk.data == nil && blk.big == nil {
		panic(mp.corrupted("release of empty block"))
	}

	mp.releases.Inc()
	mp.activeMemory.Sub(int64(blk.capacity()))
	if blk.big != nil {
		mp.releaseBig(blk)
	} else {
		mp.releaseSmall(blk)
	}
}

func (mp *Pool) reserveHunk(size int) error {
	for {
		hm := mp.hunkMemory.Load()
		if mp.cfg.MaxMemory > 0 && hm+int64(size) > mp.cfg.MaxMemory {
			return &ExhaustedError{
				Pool:      mp.cfg.Name,
				Size:      size,
				MaxMemory: mp.cfg.MaxMemory,
			}
		}
		if mp.hunkMemory.CompareAndSwap(hm, hm+int64(size)) {
			return nil
		}
	}
}

func (mp *Pool) setGuard(mem []byte) {
	for idx := range mem {
		mem[idx] = guardByte
	}
}

func (mp *Pool) checkGuard(mem []byte) bool {
	for _, b := range mem {
		if b != guardByte {
			return false
		}
	}
	return true
}

func (mp *Pool) Stats() Stats {
	st := Stats{
		Name:         mp.cfg.Name,
		ActiveMemory: mp.activeMemory.Load(),
		HunkMemory:   mp.hunkMemory.Load(),
		MaxMemory:    mp.cfg.MaxMemory,
		Allocations:  mp.allocations.Load(),
		Releases:     mp.releases.Load(),
	}
	for idx := range mp.small {
		st.SmallHunks += len(*mp.small[idx].hunks.Load())
	}

	mp.big.mutex.Lock()
	st.BigHunks = len(mp.big.hunks)
	mp.big.free.Ascend(
		func(item btreeItem) bool {
			fn := item.(*freeNode)
			for fb := fn.blocks; fb != nil; fb = fb.twin {
				st.FreeBigBlocks += 1
			}
			st.LargestFree = fn.size
			return true
		})
	mp.big.mutex.Unlock()
	return st
}

func (blk Block) Bytes() []byte {
	return blk.data
}

func (blk Block) Size() int {
	return len(blk.data)
}

func (blk Block) IsZero() bool {
	return blk.data == nil && blk.big == nil
}

func (blk Block) capacity() int {
	if blk.big != nil {
		return blk.big.size
	}
	return (blk.class + 1) * classStep
}
