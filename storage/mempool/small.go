package mempool

import (
	"sync"

	"go.uber.org/atomic"
)

const maxSpins = 8

// smallClass is the free list for one size class. The head holds a tag in the upper 32 bits
// and the id + 1 of the first free slot in the lower 32 bits; the tag changes on every push
// and pop so that a stale head can never be swapped back in.
type smallClass struct {
	size     int
	slotSize int
	perHunk  int

	head atomic.Uint64

	mutex  sync.Mutex
	hunks  atomic.Pointer[[]*smallHunk]
	carved int
}

type smallHunk struct {
	mem  []byte
	next []atomic.Uint32
	used []atomic.Bool
}

func (sc *smallClass) slot(id uint32) (*smallHunk, int) {
	hunks := *sc.hunks.Load()
	return hunks[int(id)/sc.perHunk], int(id) % sc.perHunk
}

func (sc *smallClass) pop(spins int) (uint32, bool) {
	for n := 0; spins == 0 || n < spins; n += 1 {
		head := sc.head.Load()
		if uint32(head) == 0 {
			return 0, false
		}
		id := uint32(head) - 1
		sh, idx := sc.slot(id)
		next := sh.next[idx].Load()
		if sc.head.CompareAndSwap(head, ((head>>32)+1)<<32|uint64(next)) {
			return id, true
		}
	}
	return 0, false
}

func (sc *smallClass) push(id uint32) {
	sh, idx := sc.slot(id)
	for {
		head := sc.head.Load()
		sh.next[idx].Store(uint32(head))
		if sc.head.CompareAndSwap(head, ((head>>32)+1)<<32|uint64(id+1)) {
			return
		}
	}
}

func (mp *Pool) allocateSmall(size int) (Block, error) {
	class := 0
	if size > 0 {
		class = (size - 1) / classStep
	}
	sc := &mp.small[class]

	id, ok := sc.pop(maxSpins)
	if !ok {
		sc.mutex.Lock()
		id, ok = sc.pop(0)
		if !ok {
			var err error
			id, err = mp.carveSmall(sc)
			if err != nil {
				sc.mutex.Unlock()
				return Block{}, err
			}
		}
		sc.mutex.Unlock()
	}

	sh, idx := sc.slot(id)
	if !sh.used[idx].CompareAndSwap(false, true) {
		panic(mp.corrupted("small block %d of class %d allocated twice", id, sc.size))
	}
	off := idx * sc.slotSize
	return Block{
		data:  sh.mem[off : off+size : off+sc.size],
		class: class,
		id:    id,
	}, nil
}

// carveSmall takes the next never used slot of the class, adding a hunk when the last one
// is used up. sc.mutex must be held.
func (mp *Pool) carveSmall(sc *smallClass) (uint32, error) {
	hunks := *sc.hunks.Load()
	if len(hunks) == 0 || sc.carved == sc.perHunk {
		hunkSize := sc.perHunk * sc.slotSize
		err := mp.reserveHunk(hunkSize)
		if err != nil {
			return 0, err
		}
		sh := &smallHunk{
			mem:  make([]byte, hunkSize),
			next: make([]atomic.Uint32, sc.perHunk),
			used: make([]atomic.Bool, sc.perHunk),
		}
		if mp.guard > 0 {
			for idx := 0; idx < sc.perHunk; idx += 1 {
				off := idx*sc.slotSize + sc.size
				mp.setGuard(sh.mem[off : off+mp.guard])
			}
		}
		nh := make([]*smallHunk, len(hunks), len(hunks)+1)
		copy(nh, hunks)
		nh = append(nh, sh)
		sc.hunks.Store(&nh)
		hunks = nh
		sc.carved = 0
	}

	id := uint32((len(hunks)-1)*sc.perHunk + sc.carved)
	sc.carved += 1
	return id, nil
}

func (mp *Pool) releaseSmall(blk Block) {
	if blk.class < 0 || blk.class >= len(mp.small) {
		panic(mp.corrupted("release of block with class %d", blk.class))
	}
	sc := &mp.small[blk.class]
	sh, idx := sc.slot(blk.id)
	if mp.guard > 0 {
		off := idx*sc.slotSize + sc.size
		if !mp.checkGuard(sh.mem[off : off+mp.guard]) {
			panic(mp.corrupted("guard bytes overwritten for small block %d of class %d",
				blk.id, sc.size))
		}
	}
	if !sh.used[idx].CompareAndSwap(true, false) {
		panic(mp.corrupted("small block %d of class %d released twice", blk.id, sc.size))
	}
	sc.push(blk.id)
}

func (mp *Pool) validateSmall() error {
	for cdx := range mp.small {
		sc := &mp.small[cdx]
		sc.mutex.Lock()
		hunks := *sc.hunks.Load()
		total := 0
		if len(hunks) > 0 {
			total = (len(hunks)-1)*sc.perHunk + sc.carved
		}

		free := 0
		for id := uint32(sc.head.Load()); id != 0; free += 1 {
			if free > total || int(id-1) >= total {
				sc.mutex.Unlock()
				return mp.corrupted("class %d free list is broken", sc.size)
			}
			sh, idx := sc.slot(id - 1)
			if sh.used[idx].Load() {
				sc.mutex.Unlock()
				return mp.corrupted("small block %d of class %d is free and in use", id-1,
					sc.size)
			}
			id = sh.next[idx].Load()
		}

		used := 0
		for hdx, sh := range hunks {
			for idx := 0; idx < sc.perHunk; idx += 1 {
				if hdx*sc.perHunk+idx >= total {
					break
				}
				if sh.used[idx].Load() {
					used += 1
				}
				if mp.guard > 0 {
					off := idx*sc.slotSize + sc.size
					if !mp.checkGuard(sh.mem[off : off+mp.guard]) {
						sc.mutex.Unlock()
						return mp.corrupted("guard bytes overwritten for small block %d of "+
							"class %d", hdx*sc.perHunk+idx, sc.size)
					}
				}
			}
		}
		sc.mutex.Unlock()

		if used+free != total {
			return mp.corrupted("class %d: %d used and %d free blocks but %d carved", sc.size,
				used, free, total)
		}
	}
	return nil
}
