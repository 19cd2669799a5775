package mempool

import (
	"sync"

	"github.com/google/btree"
)

type btreeItem = btree.Item

type bigPool struct {
	mutex sync.Mutex
	free  *btree.BTree
	hunks map[*bigHunk]struct{}
}

type bigHunk struct {
	mem   []byte
	first *bigBlock
}

// bigBlock is a piece of a big hunk. prev and next are the physical neighbours within the
// hunk; twin links free blocks of the same size.
type bigBlock struct {
	hunk   *bigHunk
	offset int
	size   int
	prev   *bigBlock
	next   *bigBlock
	free   bool
	twin   *bigBlock
}

type freeNode struct {
	size   int
	blocks *bigBlock
}

func (fn *freeNode) Less(item btree.Item) bool {
	return fn.size < item.(*freeNode).size
}

func (bp *bigPool) init() {
	bp.free = btree.New(16)
	bp.hunks = map[*bigHunk]struct{}{}
}

func (bp *bigPool) insertFree(bb *bigBlock) {
	bb.free = true
	item := bp.free.Get(&freeNode{size: bb.size})
	if item == nil {
		bb.twin = nil
		bp.free.ReplaceOrInsert(&freeNode{size: bb.size, blocks: bb})
		return
	}
	fn := item.(*freeNode)
	bb.twin = fn.blocks
	fn.blocks = bb
}

func (bp *bigPool) removeFree(bb *bigBlock) bool {
	item := bp.free.Get(&freeNode{size: bb.size})
	if item == nil {
		return false
	}
	fn := item.(*freeNode)

	var prev *bigBlock
	for fb := fn.blocks; fb != nil; fb = fb.twin {
		if fb == bb {
			if prev == nil {
				fn.blocks = fb.twin
			} else {
				prev.twin = fb.twin
			}
			bb.twin = nil
			if fn.blocks == nil {
				bp.free.Delete(fn)
			}
			return true
		}
		prev = fb
	}
	return false
}

// bestFit removes and returns the smallest free block of at least size bytes.
func (bp *bigPool) bestFit(size int) *bigBlock {
	var fn *freeNode
	bp.free.AscendGreaterOrEqual(&freeNode{size: size},
		func(item btree.Item) bool {
			fn = item.(*freeNode)
			return false
		})
	if fn == nil {
		return nil
	}

	bb := fn.blocks
	fn.blocks = bb.twin
	bb.twin = nil
	if fn.blocks == nil {
		bp.free.Delete(fn)
	}
	return bb
}

func (mp *Pool) minBigBlock() int {
	return mp.cfg.SmallThreshold + classStep
}

func (mp *Pool) allocateBig(size int) (Block, error) {
	need := roundUp(size+mp.guard, classStep)

	bp := &mp.big
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	bb := bp.bestFit(need)
	if bb == nil {
		hunkSize := roundUp(need, mp.cfg.BigHunkSize)
		err := mp.reserveHunk(hunkSize)
		if err != nil {
			return Block{}, err
		}

		bh := &bigHunk{
			mem: make([]byte, hunkSize),
		}
		bb = &bigBlock{
			hunk: bh,
			size: hunkSize,
		}
		bh.first = bb
		bp.hunks[bh] = struct{}{}
	}

	if bb.size-need >= mp.minBigBlock() {
		rest := &bigBlock{
			hunk:   bb.hunk,
			offset: bb.offset + need,
			size:   bb.size - need,
			prev:   bb,
			next:   bb.next,
		}
		if bb.next != nil {
			bb.next.prev = rest
		}
		bb.next = rest
		bb.size = need
		bp.insertFree(rest)
	}
	bb.free = false

	mem := bb.hunk.mem[bb.offset : bb.offset+bb.size]
	if mp.guard > 0 {
		mp.setGuard(mem[bb.size-mp.guard:])
	}
	return Block{
		data:  mem[:size:bb.size-mp.guard],
		class: -1,
		big:   bb,
	}, nil
}

func (mp *Pool) releaseBig(blk Block) {
	bp := &mp.big
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	bb := blk.big
	if bb.free {
		panic(mp.corrupted("big block at %d released twice", bb.offset))
	}
	if mp.guard > 0 {
		mem := bb.hunk.mem[bb.offset : bb.offset+bb.size]
		if !mp.checkGuard(mem[bb.size-mp.guard:]) {
			panic(mp.corrupted("guard bytes overwritten for big block at %d", bb.offset))
		}
	}
	bb.free = true

	if next := bb.next; next != nil && next.free {
		if !bp.removeFree(next) {
			panic(mp.corrupted("free big block at %d missing from free tree", next.offset))
		}
		bb.size += next.size
		bb.next = next.next
		if bb.next != nil {
			bb.next.prev = bb
		}
	}
	if prev := bb.prev; prev != nil && prev.free {
		if !bp.removeFree(prev) {
			panic(mp.corrupted("free big block at %d missing from free tree", prev.offset))
		}
		prev.size += bb.size
		prev.next = bb.next
		if prev.next != nil {
			prev.next.prev = prev
		}
		bb = prev
	}

	if bb.prev == nil && bb.next == nil {
		delete(bp.hunks, bb.hunk)
		mp.hunkMemory.Sub(int64(len(bb.hunk.mem)))
		return
	}
	bp.insertFree(bb)
}

func (mp *Pool) validateBig() error {
	bp := &mp.big
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	free := map[*bigBlock]struct{}{}
	for bh := range bp.hunks {
		off := 0
		var prev *bigBlock
		for bb := bh.first; bb != nil; bb = bb.next {
			if bb.hunk != bh || bb.offset != off || bb.prev != prev || bb.size <= 0 {
				return mp.corrupted("big hunk chain broken at %d", off)
			}
			if bb.free {
				if prev != nil && prev.free {
					return mp.corrupted("adjacent free big blocks at %d", off)
				}
				free[bb] = struct{}{}
			} else if mp.guard > 0 {
				mem := bh.mem[bb.offset : bb.offset+bb.size]
				if !mp.checkGuard(mem[bb.size-mp.guard:]) {
					return mp.corrupted("guard bytes overwritten for big block at %d", off)
				}
			}
			off += bb.size
			prev = bb
		}
		if off != len(bh.mem) {
			return mp.corrupted("big hunk blocks cover %d of %d bytes", off, len(bh.mem))
		}
	}

	var err error
	cnt := 0
	bp.free.Ascend(
		func(item btree.Item) bool {
			fn := item.(*freeNode)
			if fn.blocks == nil {
				err = mp.corrupted("empty free tree node for size %d", fn.size)
				return false
			}
			for bb := fn.blocks; bb != nil; bb = bb.twin {
				if _, ok := free[bb]; !ok || bb.size != fn.size {
					err = mp.corrupted("free tree block at %d is not free", bb.offset)
					return false
				}
				cnt += 1
			}
			return true
		})
	if err != nil {
		return err
	}
	if cnt != len(free) {
		return mp.corrupted("%d free big blocks but %d in free tree", len(free), cnt)
	}
	return nil
}

// Validate checks the integrity of the pool; it must not be used concurrently with
// Allocate or Release.
func (mp *Pool) Validate() error {
	err := mp.validateSmall()
	if err != nil {
		return err
	}
	return mp.validateBig()
}
