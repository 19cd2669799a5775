package falcon

import (
	"go.uber.org/atomic"

	"github.com/leftmike/falcon/storage/syncobj"
)

// The record cache is a sparse radix tree over record numbers: 12 bits at the root, then
// two levels of 10 bits. Slots hold the head of the chain of each row.
const (
	rootBits = 12
	midBits  = 10
	leafBits = 10

	rootSize = 1 << rootBits
	midSize  = 1 << midBits
	leafSize = 1 << leafBits
)

type cacheLeaf struct {
	slots [leafSize]atomic.Pointer[Record]
}

type cacheMid struct {
	leaves [midSize]atomic.Pointer[cacheLeaf]
}

// recordCache is read without locking; publishers hold so shared and a sweep holds it
// exclusive so that no head changes under it.
type recordCache struct {
	so   *syncobj.SyncObject
	root [rootSize]atomic.Pointer[cacheMid]
}

func newRecordCache(name string) *recordCache {
	return &recordCache{
		so: syncobj.NewSyncObject("cache " + name),
	}
}

func splitRecNum(recNum uint32) (int, int, int) {
	return int(recNum >> (midBits + leafBits)), int((recNum >> leafBits) & (midSize - 1)),
		int(recNum & (leafSize - 1))
}

func (rc *recordCache) slot(recNum uint32, create bool) *atomic.Pointer[Record] {
	r, m, l := splitRecNum(recNum)

	mid := rc.root[r].Load()
	if mid == nil {
		if !create {
			return nil
		}
		rc.root[r].CompareAndSwap(nil, &cacheMid{})
		mid = rc.root[r].Load()
	}

	leaf := mid.leaves[m].Load()
	if leaf == nil {
		if !create {
			return nil
		}
		mid.leaves[m].CompareAndSwap(nil, &cacheLeaf{})
		leaf = mid.leaves[m].Load()
	}
	return &leaf.slots[l]
}

// get returns the head of the chain of recNum, or nil if it is not in the cache.
func (rc *recordCache) get(recNum uint32) *Record {
	slot := rc.slot(recNum, false)
	if slot == nil {
		return nil
	}
	return slot.Load()
}

// publish replaces the head of the chain of recNum with rec if it is still old.
func (rc *recordCache) publish(thrd *syncobj.Thread, recNum uint32, old, rec *Record) (bool,
	error) {

	err := rc.so.Lock(thrd, syncobj.Shared, 0)
	if err != nil {
		return false, err
	}
	defer rc.so.Unlock(thrd, syncobj.Shared)

	return rc.slot(recNum, true).CompareAndSwap(old, rec), nil
}

// publishLocked is publish for a caller holding so exclusive.
func (rc *recordCache) publishLocked(recNum uint32, old, rec *Record) bool {
	return rc.slot(recNum, true).CompareAndSwap(old, rec)
}

// forEach calls fn with the head of every chain in record number order until fn returns
// false.
func (rc *recordCache) forEach(fn func(recNum uint32, head *Record) bool) {
	for r := range rc.root {
		mid := rc.root[r].Load()
		if mid == nil {
			continue
		}
		for m := range mid.leaves {
			leaf := mid.leaves[m].Load()
			if leaf == nil {
				continue
			}
			for l := range leaf.slots {
				head := leaf.slots[l].Load()
				if head == nil {
					continue
				}
				recNum := uint32(r)<<(midBits+leafBits) | uint32(m)<<leafBits | uint32(l)
				if !fn(recNum, head) {
					return
				}
			}
		}
	}
}
