// Package index is an in memory ordered index from encoded keys to record numbers. Keys
// are held in memory allocated from a mempool.Pool.
package index

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/btree"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/encode"
	"github.com/leftmike/falcon/storage/mempool"
	"github.com/leftmike/falcon/storage/syncobj"
)

type Index struct {
	name   string
	unique bool
	key    []sql.ColumnKey
	pool   *mempool.Pool

	so   *syncobj.SyncObject
	tree *btree.BTree
}

type entry struct {
	key    []byte
	recNum uint32
	blk    mempool.Block
}

func (e *entry) Less(item btree.Item) bool {
	e2 := item.(*entry)
	cmp := bytes.Compare(e.key, e2.key)
	if cmp == 0 {
		return e.recNum < e2.recNum
	}
	return cmp < 0
}

func NewIndex(name string, unique bool, key []sql.ColumnKey, pool *mempool.Pool) *Index {
	return &Index{
		name:   name,
		unique: unique,
		key:    key,
		pool:   pool,
		so:     syncobj.NewSyncObject("index " + name),
		tree:   btree.New(16),
	}
}

func (idx *Index) Name() string {
	return idx.name
}

// SyncObject returns the lock which guards the index entries.
func (idx *Index) SyncObject() *syncobj.SyncObject {
	return idx.so
}

func (idx *Index) Unique() bool {
	return idx.unique
}

func (idx *Index) Key() []sql.ColumnKey {
	return idx.key
}

// MakeKey returns the encoded key of row and whether it has a NULL column; keys with a
// NULL column never conflict in a unique index.
func (idx *Index) MakeKey(row []sql.Value) ([]byte, bool) {
	return encode.MakeKey(idx.key, row), encode.KeyHasNull(idx.key, row)
}

// Insert adds an entry for key and recNum and returns true; inserting an existing entry
// does nothing and returns false.
func (idx *Index) Insert(thrd *syncobj.Thread, key []byte, recNum uint32) (bool, error) {
	err := idx.so.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		return false, err
	}
	defer idx.so.Unlock(thrd, syncobj.Exclusive)

	if idx.tree.Has(&entry{key: key, recNum: recNum}) {
		return false, nil
	}

	blk, err := idx.pool.Allocate(len(key))
	if err != nil {
		return false, err
	}
	copy(blk.Bytes(), key)
	idx.tree.ReplaceOrInsert(&entry{key: blk.Bytes(), recNum: recNum, blk: blk})
	return true, nil
}

// Remove the entry for key and recNum; it returns false if there was no such entry.
func (idx *Index) Remove(thrd *syncobj.Thread, key []byte, recNum uint32) (bool, error) {
	err := idx.so.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		return false, err
	}
	defer idx.so.Unlock(thrd, syncobj.Exclusive)

	item := idx.tree.Delete(&entry{key: key, recNum: recNum})
	if item == nil {
		return false, nil
	}
	idx.pool.Release(item.(*entry).blk)
	return true, nil
}

// ScanIndex adds to bm the record numbers of entries with keys from low to high; high is
// excluded if exclusive is true. A nil low or high leaves that end of the range open.
func (idx *Index) ScanIndex(thrd *syncobj.Thread, low, high []byte, exclusive bool,
	bm *roaring.Bitmap) error {

	err := idx.so.Lock(thrd, syncobj.Shared, 0)
	if err != nil {
		return err
	}
	defer idx.so.Unlock(thrd, syncobj.Shared)

	fn := func(item btree.Item) bool {
		e := item.(*entry)
		if high != nil {
			cmp := bytes.Compare(e.key, high)
			if cmp > 0 || (cmp == 0 && exclusive) {
				return false
			}
		}
		bm.Add(e.recNum)
		return true
	}
	if low == nil {
		idx.tree.Ascend(fn)
	} else {
		idx.tree.AscendGreaterOrEqual(&entry{key: low}, fn)
	}
	return nil
}

// Lookup returns the record numbers with exactly key in ascending order.
func (idx *Index) Lookup(thrd *syncobj.Thread, key []byte) ([]uint32, error) {
	bm := roaring.New()
	err := idx.ScanIndex(thrd, key, key, false, bm)
	if err != nil {
		return nil, err
	}
	return bm.ToArray(), nil
}

func (idx *Index) Len() int {
	return idx.tree.Len()
}

// Drop removes every entry, returning the memory of the keys to the pool.
func (idx *Index) Drop(thrd *syncobj.Thread) error {
	err := idx.so.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		return err
	}
	defer idx.so.Unlock(thrd, syncobj.Exclusive)

	idx.tree.Ascend(
		func(item btree.Item) bool {
			idx.pool.Release(item.(*entry).blk)
			return true
		})
	idx.tree.Clear(false)
	return nil
}
