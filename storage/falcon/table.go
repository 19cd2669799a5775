package falcon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/encode"
	"github.com/leftmike/falcon/storage/index"
	"github.com/leftmike/falcon/storage/service"
	"github.com/leftmike/falcon/storage/syncobj"
)

// Table is a set of rows, each identified by its record number.
type Table struct {
	eng     *Engine
	name    string
	section uint32
	catNum  uint32
	format  uint32
	columns []sql.Column
	types   []sql.DataType
	cache   *recordCache
	dropped atomic.Bool

	// Held exclusive while checking unique indexes and writing index entries, and while
	// the set of indexes changes.
	updateLock *syncobj.SyncObject
	indexes    atomic.Pointer[[]*index.Index]

	foreignKeys []encode.ForeignKeyDef
	refs        atomic.Pointer[[]reference]
	triggers    atomic.Pointer[[]trigger]
}

// reference is a foreign key of child which refers to a table.
type reference struct {
	child *Table
	fk    encode.ForeignKeyDef
}

type TableStats struct {
	Name     string
	Section  uint32
	Rows     int
	Versions int
	Bytes    int64
	Indexes  []IndexStats
}

type IndexStats struct {
	Name    string
	Unique  bool
	Entries int
}

func (eng *Engine) makeTable(td *encode.TableDef, catNum uint32) *Table {
	tbl := &Table{
		eng:         eng,
		name:        td.Name,
		section:     td.Section,
		catNum:      catNum,
		format:      td.Format,
		columns:     td.Columns,
		cache:       newRecordCache(td.Name),
		updateLock:  syncobj.NewSyncObject("table " + td.Name),
		foreignKeys: td.ForeignKeys,
	}
	tbl.types = make([]sql.DataType, len(td.Columns))
	for cdx, col := range td.Columns {
		tbl.types[cdx] = col.Type
	}

	indexes := make([]*index.Index, 0, len(td.Indexes))
	for _, id := range td.Indexes {
		indexes = append(indexes, index.NewIndex(td.Name+"."+id.Name, id.Unique, id.Key,
			eng.generalPool))
	}
	tbl.indexes.Store(&indexes)
	return tbl
}

func (tbl *Table) tableDef() *encode.TableDef {
	td := &encode.TableDef{
		Name:        tbl.name,
		Section:     tbl.section,
		Format:      tbl.format,
		Columns:     tbl.columns,
		ForeignKeys: tbl.foreignKeys,
	}
	for _, idx := range tbl.allIndexes() {
		td.Indexes = append(td.Indexes,
			encode.IndexDef{
				Name:   tbl.indexName(idx),
				Unique: idx.Unique(),
				Key:    idx.Key(),
			})
	}
	return td
}

func (tbl *Table) Name() string {
	return tbl.name
}

func (tbl *Table) Columns() []sql.Column {
	return tbl.columns
}

func (tbl *Table) ColumnNumber(name string) (int, bool) {
	for cdx, col := range tbl.columns {
		if col.Name == name {
			return cdx, true
		}
	}
	return 0, false
}

func (tbl *Table) allIndexes() []*index.Index {
	return *tbl.indexes.Load()
}

func (tbl *Table) indexName(idx *index.Index) string {
	return idx.Name()[len(tbl.name)+1:]
}

func (tbl *Table) lookupIndex(name string) *index.Index {
	for _, idx := range tbl.allIndexes() {
		if tbl.indexName(idx) == name {
			return idx
		}
	}
	return nil
}

func (tbl *Table) references() []reference {
	refs := tbl.refs.Load()
	if refs == nil {
		return nil
	}
	return *refs
}

func (tbl *Table) setReferences(refs []reference) {
	tbl.refs.Store(&refs)
}

func (tbl *Table) checkDropped() error {
	if tbl.dropped.Load() {
		return tbl.error(ErrNoTable)
	}
	return nil
}

// head returns the newest version of recNum, loading it from storage if it is not in the
// cache; it returns nil if there is no such row.
func (tbl *Table) head(thrd *syncobj.Thread, recNum uint32) (*Record, error) {
	for {
		if r := tbl.cache.get(recNum); r != nil {
			return r, nil
		}

		data, ok, err := tbl.eng.dbb.FetchRecord(tbl.section, recNum)
		if err != nil {
			return nil, tbl.error(err)
		} else if !ok {
			return nil, nil
		}
		r, err := tbl.loadRecord(recNum, data)
		if err != nil {
			return nil, err
		}
		ok, err = tbl.cache.publish(thrd, recNum, nil, r)
		if err != nil {
			r.release()
			return nil, tbl.error(err)
		} else if ok {
			return r, nil
		}
		r.release()
	}
}

// visible reports whether v is the version tx sees; a nil tx sees every committed version.
func visible(tx *service.Transaction, v *Record) bool {
	writer := v.tx.Load()
	if tx == nil {
		return writer == nil
	}
	rs := tx.RelativeState(writer, v.commitSeq.Load())
	return rs == service.Us || rs == service.CommittedVisible
}

// fetchVersion returns the newest version of the chain starting at head which tx can see,
// skipping lock versions; it returns nil if there is none.
func fetchVersion(tx *service.Transaction, head *Record) *Record {
	for v := head; v != nil; v = v.prior.Load() {
		if v.state == endChainState {
			return nil
		} else if v.state == lockState {
			continue
		}
		if visible(tx, v) {
			return v
		}
	}
	return nil
}

// fetch returns the row recNum as tx sees it, or nil if it does not exist for tx.
func (tbl *Table) fetch(tx *service.Transaction, thrd *syncobj.Thread,
	recNum uint32) ([]sql.Value, error) {

	for attempt := 0; ; attempt += 1 {
		head, err := tbl.head(thrd, recNum)
		if err != nil || head == nil {
			return nil, err
		}
		head.acquire()
		v := fetchVersion(tx, head)
		if v == nil || v.state != dataState {
			head.unuse()
			return nil, nil
		}
		row, err := v.row()
		head.unuse()
		if err == errReleased && attempt < tbl.eng.cfg.MaxRetries {
			continue
		}
		return row, err
	}
}

// Fetch returns the row recNum as tx sees it.
func (tbl *Table) Fetch(ctx context.Context, tx *service.Transaction,
	recNum uint32) ([]sql.Value, error) {

	if err := tbl.checkDropped(); err != nil {
		return nil, err
	}
	row, err := tbl.fetch(tx, tx.Thread(), recNum)
	if err != nil {
		return nil, err
	} else if row == nil {
		return nil, tbl.error(errors.Wrapf(ErrNotFound, "record %d", recNum))
	}
	return row, nil
}

// recordNumbers returns the numbers of the rows either stored or in the cache.
func (tbl *Table) recordNumbers() (*roaring.Bitmap, error) {
	bm, err := tbl.eng.dbb.RecordNumbers(tbl.section)
	if err != nil {
		return nil, tbl.error(err)
	}
	tbl.cache.forEach(
		func(recNum uint32, head *Record) bool {
			bm.Add(recNum)
			return true
		})
	return bm, nil
}

// Scan calls fn, in record number order, with each row which tx sees until fn returns an
// error; io.EOF from fn ends the scan without an error.
func (tbl *Table) Scan(ctx context.Context, tx *service.Transaction,
	fn func(recNum uint32, row []sql.Value) error) error {

	if err := tbl.checkDropped(); err != nil {
		return err
	}
	bm, err := tbl.recordNumbers()
	if err != nil {
		return err
	}
	return tbl.scanBitmap(ctx, tx, bm, nil, fn)
}

func (tbl *Table) scanBitmap(ctx context.Context, tx *service.Transaction,
	bm *roaring.Bitmap, filter func(row []sql.Value) bool,
	fn func(recNum uint32, row []sql.Value) error) error {

	it := bm.Iterator()
	for it.HasNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		recNum := it.Next()
		row, err := tbl.fetch(tx, tx.Thread(), recNum)
		if err != nil {
			return err
		} else if row == nil || (filter != nil && !filter(row)) {
			continue
		}
		err = fn(recNum, row)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
	return nil
}

// keyRow makes a row with vals in the columns of the key of idx.
func (tbl *Table) keyRow(idx *index.Index, vals []sql.Value) ([]sql.Value, error) {
	key := idx.Key()
	if len(vals) != len(key) {
		return nil, tbl.indexError(tbl.indexName(idx),
			fmt.Errorf("want %d key values got %d", len(key), len(vals)))
	}
	row := make([]sql.Value, len(tbl.columns))
	for kdx, ck := range key {
		col := tbl.columns[ck.Column()]
		val, err := sql.ConvertValue(col.Type, vals[kdx])
		if err != nil {
			return nil, tbl.indexError(tbl.indexName(idx), err)
		}
		row[ck.Column()] = val
	}
	return row, nil
}

// ScanIndex calls fn, in record number order, with each row which tx sees whose key in
// the index is from low to high; high is excluded if exclusive. A nil low or high leaves
// that end of the range open.
func (tbl *Table) ScanIndex(ctx context.Context, tx *service.Transaction, name string,
	low, high []sql.Value, exclusive bool,
	fn func(recNum uint32, row []sql.Value) error) error {

	if err := tbl.checkDropped(); err != nil {
		return err
	}
	idx := tbl.lookupIndex(name)
	if idx == nil {
		return tbl.indexError(name, ErrNoIndex)
	}

	var lowKey, highKey []byte
	if low != nil {
		row, err := tbl.keyRow(idx, low)
		if err != nil {
			return err
		}
		lowKey, _ = idx.MakeKey(row)
	}
	if high != nil {
		row, err := tbl.keyRow(idx, high)
		if err != nil {
			return err
		}
		highKey, _ = idx.MakeKey(row)
	}

	bm := roaring.New()
	err := idx.ScanIndex(tx.Thread(), lowKey, highKey, exclusive, bm)
	if err != nil {
		return tbl.indexError(name, err)
	}

	// Entries remain for older versions, so the key of the visible version is checked.
	return tbl.scanBitmap(ctx, tx, bm,
		func(row []sql.Value) bool {
			key, _ := idx.MakeKey(row)
			if lowKey != nil && bytes.Compare(key, lowKey) < 0 {
				return false
			}
			if highKey != nil {
				cmp := bytes.Compare(key, highKey)
				if cmp > 0 || (cmp == 0 && exclusive) {
					return false
				}
			}
			return true
		}, fn)
}

// Versions describes the chain of recNum, newest first.
func (tbl *Table) Versions(recNum uint32) []VersionInfo {
	var infos []VersionInfo
	for v := tbl.cache.get(recNum); v != nil; v = v.prior.Load() {
		infos = append(infos, v.info())
	}
	return infos
}

// CreateIndex adds an index to a table and fills it from the versions of every row.
func (eng *Engine) CreateIndex(tblName, name string, unique bool, key []sql.ColumnKey) error {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	tbl, ok := eng.tables[tblName]
	if !ok {
		return errors.Wrap(ErrNoTable, tblName)
	}
	if tbl.lookupIndex(name) != nil {
		return tbl.indexError(name, ErrIndexExists)
	}
	if len(key) == 0 {
		return tbl.indexError(name, errors.New("no columns"))
	}
	for _, ck := range key {
		if ck.Column() >= len(tbl.columns) {
			return tbl.indexError(name, fmt.Errorf("no column %d", ck.Column()))
		}
	}

	thrd := eng.thrd
	err := tbl.updateLock.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		return err
	}
	defer tbl.updateLock.Unlock(thrd, syncobj.Exclusive)

	idx := index.NewIndex(tbl.name+"."+name, unique, key, eng.generalPool)
	err = tbl.fillIndex(thrd, idx)
	if err != nil {
		idx.Drop(thrd)
		return err
	}

	indexes := append(append([]*index.Index(nil), tbl.allIndexes()...), idx)
	tbl.indexes.Store(&indexes)
	err = eng.saveTableDef(tbl)
	if err != nil {
		indexes = indexes[:len(indexes)-1]
		tbl.indexes.Store(&indexes)
		idx.Drop(thrd)
		return err
	}

	log.WithFields(log.Fields{
		"table":   tbl.name,
		"index":   name,
		"unique":  unique,
		"entries": idx.Len(),
	}).Info("falcon: create index")
	return nil
}

// fillIndex adds entries for every version of every row; for a unique index, the newest
// data versions of two rows may not have the same key.
func (tbl *Table) fillIndex(thrd *syncobj.Thread, idx *index.Index) error {
	bm, err := tbl.recordNumbers()
	if err != nil {
		return err
	}
	newest := map[string]uint32{}

	it := bm.Iterator()
	for it.HasNext() {
		recNum := it.Next()
		head, err := tbl.head(thrd, recNum)
		if err != nil {
			return err
		}
		first := true
		for v := head; v != nil; v = v.prior.Load() {
			if !v.hasData() {
				if v.state == deletedState || v.state == endChainState {
					first = false
				}
				continue
			}
			row, err := v.row()
			if err != nil {
				return err
			}
			key, hasNull := idx.MakeKey(row)
			if first && idx.Unique() && !hasNull {
				if other, ok := newest[string(key)]; ok {
					return tbl.indexError(tbl.indexName(idx),
						errors.Wrapf(ErrUniqueDuplicate, "records %d and %d", other, recNum))
				}
				newest[string(key)] = recNum
			}
			first = false
			_, err = idx.Insert(thrd, key, recNum)
			if err != nil {
				return tbl.indexError(tbl.indexName(idx), err)
			}
		}
	}
	return nil
}

// rebuildIndexes fills the indexes from the stored rows when a table is opened.
func (tbl *Table) rebuildIndexes() error {
	if len(tbl.allIndexes()) == 0 {
		return nil
	}

	var start uint32
	for {
		recNum, data, err := tbl.eng.dbb.FindNextRecord(tbl.section, start)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return tbl.error(err)
		}
		start = recNum + 1

		_, row, err := encode.DecodeRecord(data, tbl.types)
		if err != nil {
			return tbl.error(err)
		}
		for _, idx := range tbl.allIndexes() {
			key, _ := idx.MakeKey(row)
			_, err = idx.Insert(tbl.eng.thrd, key, recNum)
			if err != nil {
				return tbl.indexError(tbl.indexName(idx), err)
			}
		}
		if recNum == math.MaxUint32 {
			return nil
		}
	}
}

// drop discards every version and index entry of the table.
func (tbl *Table) drop(thrd *syncobj.Thread) error {
	err := tbl.updateLock.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		return err
	}
	defer tbl.updateLock.Unlock(thrd, syncobj.Exclusive)

	err = tbl.cache.so.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		return err
	}
	defer tbl.cache.so.Unlock(thrd, syncobj.Exclusive)

	tbl.dropped.Store(true)
	tbl.cache.forEach(
		func(recNum uint32, head *Record) bool {
			tbl.cache.publishLocked(recNum, head, nil)
			for v := head; v != nil; v = v.prior.Load() {
				v.release()
			}
			return true
		})
	for _, idx := range tbl.allIndexes() {
		idx.Drop(thrd)
	}
	return nil
}

// validate checks that every chain ends, that committed versions are in commit order, and
// that pending versions of the same transaction have non increasing savepoints.
func (tbl *Table) validate() error {
	var err error
	tbl.cache.forEach(
		func(recNum uint32, head *Record) bool {
			seen := map[*Record]struct{}{}
			var prev *Record
			for v := head; v != nil; v = v.prior.Load() {
				if _, ok := seen[v]; ok {
					err = tbl.error(fmt.Errorf("record %d: chain has a cycle", recNum))
					return false
				}
				seen[v] = struct{}{}
				if v.recNum != recNum {
					err = tbl.error(fmt.Errorf("record %d: version of record %d in chain",
						recNum, v.recNum))
					return false
				}
				if prev != nil {
					err = validatePair(prev, v)
					if err != nil {
						err = tbl.error(fmt.Errorf("record %d: %s", recNum, err))
						return false
					}
				}
				prev = v
			}
			return true
		})
	return err
}

func validatePair(newer, older *Record) error {
	newerTx := newer.tx.Load()
	olderTx := older.tx.Load()
	if newerTx == nil && olderTx != nil {
		return fmt.Errorf("pending version %s under committed version %s", older, newer)
	}
	if newerTx == nil && olderTx == nil && newer.commitSeq.Load() < older.commitSeq.Load() {
		return fmt.Errorf("version %s committed before older version %s", newer, older)
	}
	if newerTx != nil && newerTx == olderTx && newer.Savepoint() < older.Savepoint() {
		return fmt.Errorf("version %s has an older savepoint than %s", newer, older)
	}
	return nil
}

func (tbl *Table) stats() TableStats {
	st := TableStats{
		Name:    tbl.name,
		Section: tbl.section,
	}
	tbl.cache.forEach(
		func(recNum uint32, head *Record) bool {
			st.Rows += 1
			for v := head; v != nil; v = v.prior.Load() {
				st.Versions += 1
				st.Bytes += int64(v.Size())
			}
			return true
		})
	for _, idx := range tbl.allIndexes() {
		st.Indexes = append(st.Indexes,
			IndexStats{
				Name:    tbl.indexName(idx),
				Unique:  idx.Unique(),
				Entries: idx.Len(),
			})
	}
	return st
}
