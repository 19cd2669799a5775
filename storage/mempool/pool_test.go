package mempool_test

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/leftmike/falcon/storage/mempool"
)

func TestAllocateSmall(t *testing.T) {
	mp := mempool.NewPool(mempool.Config{Name: "test", Guard: true})

	var blks []mempool.Block
	for size := 0; size <= mempool.DefaultSmallThreshold; size += 7 {
		blk, err := mp.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d) failed with %s", size, err)
		}
		if blk.Size() != size {
			t.Errorf("Allocate(%d).Size() got %d", size, blk.Size())
		}
		b := blk.Bytes()
		for idx := range b {
			b[idx] = byte(size)
		}
		blks = append(blks, blk)
	}
	if err := mp.Validate(); err != nil {
		t.Fatalf("Validate() failed with %s", err)
	}

	for _, blk := range blks {
		for _, b := range blk.Bytes() {
			if b != byte(blk.Size()) {
				t.Fatalf("block of size %d overwritten", blk.Size())
			}
		}
		mp.Release(blk)
	}
	if err := mp.Validate(); err != nil {
		t.Fatalf("Validate() failed with %s", err)
	}
	st := mp.Stats()
	if st.ActiveMemory != 0 {
		t.Errorf("Stats().ActiveMemory got %d want 0", st.ActiveMemory)
	}
	if st.Allocations != st.Releases {
		t.Errorf("Stats() got %d allocations and %d releases", st.Allocations, st.Releases)
	}
}

func TestNoHunkGrowth(t *testing.T) {
	mp := mempool.NewPool(mempool.Config{Name: "test"})

	allocate := func() []mempool.Block {
		var blks []mempool.Block
		for n := 0; n < 1000; n += 1 {
			blk, err := mp.Allocate(64)
			if err != nil {
				t.Fatalf("Allocate(64) failed with %s", err)
			}
			blks = append(blks, blk)
		}
		return blks
	}

	blks := allocate()
	hunks := mp.Stats().SmallHunks
	for _, blk := range blks {
		mp.Release(blk)
	}
	if st := mp.Stats(); st.ActiveMemory != 0 {
		t.Errorf("Stats().ActiveMemory got %d want 0", st.ActiveMemory)
	}

	blks = allocate()
	if st := mp.Stats(); st.SmallHunks != hunks {
		t.Errorf("Stats().SmallHunks got %d want %d", st.SmallHunks, hunks)
	}
	for _, blk := range blks {
		mp.Release(blk)
	}
	if err := mp.Validate(); err != nil {
		t.Errorf("Validate() failed with %s", err)
	}
}

func TestBigCoalesce(t *testing.T) {
	mp := mempool.NewPool(mempool.Config{
		Name:        "test",
		BigHunkSize: 64 * 1024,
		Guard:       true,
	})

	var blks []mempool.Block
	for n := 0; n < 8; n += 1 {
		blk, err := mp.Allocate(4000)
		if err != nil {
			t.Fatalf("Allocate(4000) failed with %s", err)
		}
		blks = append(blks, blk)
	}
	st := mp.Stats()
	if st.BigHunks != 1 || st.FreeBigBlocks != 1 {
		t.Errorf("Stats() got %d big hunks and %d free blocks want 1 and 1", st.BigHunks,
			st.FreeBigBlocks)
	}

	// Release every other block: none of them can coalesce.
	for n := 0; n < len(blks); n += 2 {
		mp.Release(blks[n])
	}
	if err := mp.Validate(); err != nil {
		t.Fatalf("Validate() failed with %s", err)
	}
	if st := mp.Stats(); st.FreeBigBlocks != 5 {
		t.Errorf("Stats().FreeBigBlocks got %d want 5", st.FreeBigBlocks)
	}

	// A block that fits a hole is taken from the free tree.
	blk, err := mp.Allocate(3000)
	if err != nil {
		t.Fatalf("Allocate(3000) failed with %s", err)
	}
	if st := mp.Stats(); st.BigHunks != 1 {
		t.Errorf("Stats().BigHunks got %d want 1", st.BigHunks)
	}
	mp.Release(blk)

	for n := 1; n < len(blks); n += 2 {
		mp.Release(blks[n])
	}
	if err := mp.Validate(); err != nil {
		t.Fatalf("Validate() failed with %s", err)
	}
	st = mp.Stats()
	if st.BigHunks != 0 || st.HunkMemory != 0 || st.ActiveMemory != 0 {
		t.Errorf("Stats() got %d big hunks, %d hunk memory, %d active memory want 0, 0, 0",
			st.BigHunks, st.HunkMemory, st.ActiveMemory)
	}
}

func TestOversized(t *testing.T) {
	mp := mempool.NewPool(mempool.Config{Name: "test", BigHunkSize: 64 * 1024})

	blk, err := mp.Allocate(100 * 1024)
	if err != nil {
		t.Fatalf("Allocate(100K) failed with %s", err)
	}
	st := mp.Stats()
	if st.HunkMemory != 128*1024 || st.FreeBigBlocks != 1 {
		t.Errorf("Stats() got %d hunk memory and %d free blocks want %d and 1", st.HunkMemory,
			st.FreeBigBlocks, 128*1024)
	}
	mp.Release(blk)
	if st := mp.Stats(); st.HunkMemory != 0 {
		t.Errorf("Stats().HunkMemory got %d want 0", st.HunkMemory)
	}
}

func TestExhausted(t *testing.T) {
	mp := mempool.NewPool(mempool.Config{
		Name:        "test",
		MaxMemory:   128 * 1024,
		BigHunkSize: 64 * 1024,
	})

	a, err := mp.Allocate(60 * 1024)
	if err != nil {
		t.Fatalf("Allocate(60K) failed with %s", err)
	}
	b, err := mp.Allocate(60 * 1024)
	if err != nil {
		t.Fatalf("Allocate(60K) failed with %s", err)
	}
	_, err = mp.Allocate(60 * 1024)
	if !errors.Is(err, mempool.ErrPoolExhausted) {
		t.Errorf("Allocate(60K) got %v want %s", err, mempool.ErrPoolExhausted)
	}
	var ee *mempool.ExhaustedError
	if !errors.As(err, &ee) || ee.Pool != "test" {
		t.Errorf("Allocate(60K) got %v want ExhaustedError", err)
	}

	mp.Release(a)
	c, err := mp.Allocate(60 * 1024)
	if err != nil {
		t.Fatalf("Allocate(60K) failed with %s", err)
	}
	mp.Release(b)
	mp.Release(c)
}

func TestDoubleRelease(t *testing.T) {
	for _, size := range []int{64, 4096} {
		mp := mempool.NewPool(mempool.Config{Name: "test"})
		keep, err := mp.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d) failed with %s", size, err)
		}
		blk, err := mp.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d) failed with %s", size, err)
		}
		mp.Release(blk)

		func() {
			defer func() {
				r := recover()
				err, ok := r.(error)
				if !ok || !errors.Is(err, mempool.ErrPoolCorrupted) {
					t.Errorf("Release(%d) twice got %v want %s", size, r,
						mempool.ErrPoolCorrupted)
				}
			}()
			mp.Release(blk)
		}()
		mp.Release(keep)
	}
}

func TestGuardOverwrite(t *testing.T) {
	mp := mempool.NewPool(mempool.Config{Name: "test", Guard: true})
	blk, err := mp.Allocate(20)
	if err != nil {
		t.Fatalf("Allocate(20) failed with %s", err)
	}

	// Write one byte past the end of the block.
	b := blk.Bytes()
	b = unsafe.Slice(unsafe.SliceData(b), cap(b)+1)
	b[len(b)-1] = 0
	if err := mp.Validate(); !errors.Is(err, mempool.ErrPoolCorrupted) {
		t.Errorf("Validate() got %v want %s", err, mempool.ErrPoolCorrupted)
	}
}

func TestConcurrent(t *testing.T) {
	mp := mempool.NewPool(mempool.Config{
		Name:        "test",
		BigHunkSize: 256 * 1024,
		Guard:       true,
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			r := rand.New(rand.NewSource(int64(i)))
			var blks []mempool.Block
			for n := 0; n < 2000; n += 1 {
				if len(blks) > 0 && r.Intn(3) == 0 {
					idx := r.Intn(len(blks))
					mp.Release(blks[idx])
					blks[idx] = blks[len(blks)-1]
					blks = blks[:len(blks)-1]
					continue
				}

				size := r.Intn(200)
				if r.Intn(10) == 0 {
					size = 1000 + r.Intn(20000)
				}
				blk, err := mp.Allocate(size)
				if err != nil {
					t.Errorf("Allocate(%d) failed with %s", size, err)
					return
				}
				blks = append(blks, blk)
			}
			for _, blk := range blks {
				mp.Release(blk)
			}
		}(i)
	}
	wg.Wait()

	if err := mp.Validate(); err != nil {
		t.Errorf("Validate() failed with %s", err)
	}
	st := mp.Stats()
	if st.ActiveMemory != 0 || st.BigHunks != 0 {
		t.Errorf("Stats() got %d active memory and %d big hunks want 0 and 0", st.ActiveMemory,
			st.BigHunks)
	}
}
