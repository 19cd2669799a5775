// Package falcon is a multi-version transactional record store. Each row is a chain of
// versions, newest first, held in a per table record cache and backed by a dbb section;
// a scavenger reclaims versions that no active transaction can see.
package falcon

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/dbb"
	"github.com/leftmike/falcon/storage/encode"
	"github.com/leftmike/falcon/storage/keyval"
	"github.com/leftmike/falcon/storage/mempool"
	"github.com/leftmike/falcon/storage/service"
	"github.com/leftmike/falcon/storage/syncobj"
)

const recordFormat = 1

type Engine struct {
	cfg         Config
	dbb         *dbb.Dbb
	recordPool  *mempool.Pool
	generalPool *mempool.Pool
	ts          *service.TransactionService
	scavenger   *Scavenger
	generation  atomic.Uint64
	closed      atomic.Bool

	thawCache    *ristretto.Cache[uint64, []byte]
	chillSection uint32
	thaws        atomic.Uint64

	// Serializes changes to the catalog.
	mutex  sync.Mutex
	thrd   *syncobj.Thread
	tables map[string]*Table

	// The tables sorted by name, replaced whenever tables changes.
	tableList atomic.Pointer[[]*Table]

	commitMutex sync.Mutex
	commits     map[*service.Transaction][]*Record
}

type Stats struct {
	Generation   uint64
	Thaws        uint64
	RecordPool   mempool.Stats
	GeneralPool  mempool.Stats
	Transactions service.Stats
	Scavenge     ScavengeStats
	Tables       []TableStats
}

func Open(cfg Config) (*Engine, error) {
	cfg.setDefaults()

	kv, err := keyval.Open(cfg.Store, cfg.DataDir, log.StandardLogger())
	if err != nil {
		return nil, err
	}
	d, err := dbb.Open(kv)
	if err != nil {
		kv.Close()
		return nil, err
	}

	numCounters := cfg.ThawCacheSize / 100
	if numCounters < 1000 {
		numCounters = 1000
	}
	thawCache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: numCounters,
		MaxCost:     cfg.ThawCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	eng := &Engine{
		cfg: cfg,
		dbb: d,
		recordPool: mempool.NewPool(mempool.Config{
			Name:      "record",
			MaxMemory: cfg.RecordMemoryMax,
			Guard:     cfg.PoolGuard,
		}),
		generalPool: mempool.NewPool(mempool.Config{
			Name:      "general",
			MaxMemory: cfg.GeneralMemoryMax,
			Guard:     cfg.PoolGuard,
		}),
		thawCache: thawCache,
		thrd:      syncobj.NewThread("engine"),
		tables:    map[string]*Table{},
		commits:   map[*service.Transaction][]*Record{},
	}
	eng.generation.Store(1)
	eng.ts = service.NewTransactionService(
		service.Config{
			LockTimeout:    cfg.LockTimeout,
			ChillThreshold: cfg.ChillThreshold,
		}, eng)
	eng.scavenger = newScavenger(eng)

	err = eng.loadCatalog()
	if err != nil {
		thawCache.Close()
		d.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"store":    cfg.Store,
		"data":     cfg.DataDir,
		"tables":   len(eng.tables),
		"chill":    eng.chillSection,
		"interval": cfg.ScavengeInterval,
	}).Info("falcon: opened")
	return eng, nil
}

func (eng *Engine) loadCatalog() error {
	inUse := map[uint32]struct{}{
		dbb.CatalogSection: {},
	}

	var start uint32
	for {
		catNum, data, err := eng.dbb.FindNextRecord(dbb.CatalogSection, start)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		start = catNum + 1

		td, err := encode.DecodeTableDef(data)
		if err != nil {
			return err
		}
		tbl := eng.makeTable(td, catNum)
		err = tbl.rebuildIndexes()
		if err != nil {
			return err
		}
		eng.tables[td.Name] = tbl
		inUse[td.Section] = struct{}{}
	}
	eng.resolveReferences()

	// Sections not in the catalog are left from chilling or from a drop which did not
	// finish.
	for _, id := range eng.dbb.Sections() {
		if _, ok := inUse[id]; ok {
			continue
		}
		log.WithField("section", id).Info("falcon: removing unused section")
		err := eng.dbb.DeleteSection(id)
		if err != nil {
			return err
		}
	}

	var err error
	eng.chillSection, err = eng.dbb.CreateSection()
	return err
}

// resolveReferences links each table to the foreign keys which refer to it; eng.mutex must
// be held or the engine not yet shared.
func (eng *Engine) resolveReferences() {
	for _, tbl := range eng.tables {
		tbl.setReferences(nil)
	}
	for _, tbl := range eng.tables {
		for _, fk := range tbl.foreignKeys {
			ref, ok := eng.tables[fk.RefTable]
			if !ok {
				log.WithFields(log.Fields{
					"table":       tbl.name,
					"foreign-key": fk.Name,
					"references":  fk.RefTable,
				}).Warn("falcon: foreign key references missing table")
				continue
			}
			ref.setReferences(append(ref.references(), reference{child: tbl, fk: fk}))
		}
	}

	tbls := make([]*Table, 0, len(eng.tables))
	for _, tbl := range eng.tables {
		tbls = append(tbls, tbl)
	}
	sort.Slice(tbls, func(i, j int) bool {
		return tbls[i].name < tbls[j].name
	})
	eng.tableList.Store(&tbls)
}

func (eng *Engine) Close() error {
	if eng.closed.Swap(true) {
		return ErrClosed
	}
	eng.scavenger.Stop()

	err := eng.dbb.DeleteSection(eng.chillSection)
	if err != nil {
		log.WithField("error", err).Warn("falcon: delete chill section")
	}
	eng.thawCache.Close()

	log.WithField("generation", eng.generation.Load()).Info("falcon: closed")
	return eng.dbb.Close()
}

func (eng *Engine) Config() Config {
	return eng.cfg
}

func (eng *Engine) Begin(isolation service.IsolationLevel) *service.Transaction {
	return eng.ts.Begin(isolation)
}

func (eng *Engine) TransactionService() *service.TransactionService {
	return eng.ts
}

func (eng *Engine) Scavenger() *Scavenger {
	return eng.scavenger
}

func (eng *Engine) CreateTable(name string, cols []sql.Column,
	fks []encode.ForeignKeyDef) (*Table, error) {

	if eng.closed.Load() {
		return nil, ErrClosed
	}

	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	if _, ok := eng.tables[name]; ok {
		return nil, errors.Wrap(ErrTableExists, name)
	}
	if len(cols) == 0 {
		return nil, errors.Errorf("falcon: table %s: no columns", name)
	}
	for _, fk := range fks {
		err := eng.checkForeignKey(name, cols, fk)
		if err != nil {
			return nil, err
		}
	}

	id, err := eng.dbb.CreateSection()
	if err != nil {
		return nil, err
	}
	td := &encode.TableDef{
		Name:        name,
		Section:     id,
		Format:      recordFormat,
		Columns:     cols,
		ForeignKeys: fks,
	}
	catNum, err := eng.dbb.InsertStub(dbb.CatalogSection)
	if err == nil {
		err = eng.dbb.UpdateRecord(dbb.CatalogSection, catNum, encode.EncodeTableDef(td), false)
	}
	if err != nil {
		eng.dbb.DeleteSection(id)
		return nil, err
	}

	tbl := eng.makeTable(td, catNum)
	eng.tables[name] = tbl
	eng.resolveReferences()

	log.WithFields(log.Fields{
		"table":   name,
		"section": id,
		"columns": len(cols),
	}).Info("falcon: create table")
	return tbl, nil
}

func (eng *Engine) checkForeignKey(name string, cols []sql.Column,
	fk encode.ForeignKeyDef) error {

	ref, ok := eng.tables[fk.RefTable]
	if !ok {
		return errors.Wrapf(ErrNoTable, "foreign key %s: %s", fk.Name, fk.RefTable)
	}
	idx := ref.lookupIndex(fk.RefIndex)
	if idx == nil {
		return errors.Wrapf(ErrNoIndex, "foreign key %s: %s.%s", fk.Name, fk.RefTable,
			fk.RefIndex)
	}
	if !idx.Unique() || len(idx.Key()) != len(fk.Columns) {
		return errors.Errorf("falcon: table %s: foreign key %s: index %s must be unique with %d columns",
			name, fk.Name, fk.RefIndex, len(fk.Columns))
	}
	for cdx, col := range fk.Columns {
		if col < 0 || col >= len(cols) {
			return errors.Errorf("falcon: table %s: foreign key %s: no column %d", name,
				fk.Name, col)
		}
		refCol := ref.columns[idx.Key()[cdx].Column()]
		if cols[col].Type != refCol.Type {
			return errors.Errorf("falcon: table %s: foreign key %s: column %s is %s not %s",
				name, fk.Name, cols[col].Name, cols[col].Type, refCol.Type)
		}
	}
	return nil
}

func (eng *Engine) LookupTable(name string) (*Table, error) {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	tbl, ok := eng.tables[name]
	if !ok {
		return nil, errors.Wrap(ErrNoTable, name)
	}
	return tbl, nil
}

func (eng *Engine) Tables() []string {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	var names []string
	for name := range eng.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// allTables returns the tables sorted by name without taking the catalog mutex, so it is
// safe to call while a catalog change is in progress.
func (eng *Engine) allTables() []*Table {
	tbls := eng.tableList.Load()
	if tbls == nil {
		return nil
	}
	return *tbls
}

// DropTable removes a table and all of its rows; pending versions of the table in active
// transactions are discarded with it.
func (eng *Engine) DropTable(name string) error {
	eng.mutex.Lock()
	defer eng.mutex.Unlock()

	tbl, ok := eng.tables[name]
	if !ok {
		return errors.Wrap(ErrNoTable, name)
	}
	for _, ref := range tbl.references() {
		if ref.child != tbl {
			return tbl.error(errors.Wrapf(ErrForeignKey, "referenced by %s.%s",
				ref.child.name, ref.fk.Name))
		}
	}

	err := tbl.drop(eng.thrd)
	if err != nil {
		return err
	}
	err = eng.dbb.UpdateRecord(dbb.CatalogSection, tbl.catNum, nil, true)
	if err != nil {
		return err
	}
	delete(eng.tables, name)
	eng.resolveReferences()

	err = eng.dbb.DeleteSection(tbl.section)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"table":   name,
		"section": tbl.section,
	}).Info("falcon: drop table")
	return nil
}

func (eng *Engine) saveTableDef(tbl *Table) error {
	return eng.dbb.UpdateRecord(dbb.CatalogSection, tbl.catNum,
		encode.EncodeTableDef(tbl.tableDef()), false)
}

// allocateRecord allocates memory for a record payload. When the record pool is exhausted,
// a forced scavenge cycle runs and the allocation is retried. Callers may hold a table
// update lock or the catalog mutex, so the cycle never waits: tables it cannot lock are
// left to the background scavenger.
func (eng *Engine) allocateRecord(size int) (mempool.Block, error) {
	blk, err := eng.recordPool.Allocate(size)
	if err == nil || !errors.Is(err, mempool.ErrPoolExhausted) {
		return blk, err
	}

	log.WithFields(log.Fields{
		"size":   size,
		"active": humanize.IBytes(uint64(eng.recordPool.Stats().ActiveMemory)),
	}).Debug("falcon: record pool exhausted")
	eng.scavenger.forceNoWait()
	eng.scavenger.Signal()

	for retry := 0; retry < eng.cfg.MaxRetries; retry += 1 {
		blk, err = eng.recordPool.Allocate(size)
		if err == nil || !errors.Is(err, mempool.ErrPoolExhausted) {
			return blk, err
		}
		time.Sleep(time.Duration(retry+1) * time.Millisecond)
	}
	return blk, errors.Wrap(ErrOutOfMemory, err.Error())
}

func (eng *Engine) chill(data []byte) (uint32, error) {
	num, err := eng.dbb.InsertStub(eng.chillSection)
	if err != nil {
		return 0, err
	}
	err = eng.dbb.UpdateRecord(eng.chillSection, num, data, false)
	if err != nil {
		eng.dbb.FreeStub(eng.chillSection, num)
		return 0, err
	}
	return num, nil
}

func (eng *Engine) thaw(num uint32) ([]byte, error) {
	if data, ok := eng.thawCache.Get(uint64(num)); ok {
		return data, nil
	}

	data, ok, err := eng.dbb.FetchRecord(eng.chillSection, num)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Errorf("falcon: chilled record %d not found", num)
	}
	eng.thaws.Inc()
	eng.thawCache.Set(uint64(num), data, int64(len(data)))
	return data, nil
}

func (eng *Engine) dropChilled(num uint32) {
	eng.thawCache.Del(uint64(num))
	err := eng.dbb.UpdateRecord(eng.chillSection, num, nil, true)
	if err != nil {
		log.WithFields(log.Fields{
			"record": num,
			"error":  err,
		}).Warn("falcon: drop chilled record")
	}
}

// Commit writes the final version of each row changed by tx in a single batch, and
// removes its lock versions.
func (eng *Engine) Commit(tx *service.Transaction) error {
	b := eng.dbb.NewBatch()
	var writes, locks []*Record
	for _, sr := range tx.Records() {
		r := sr.(*Record)
		if r.tbl.dropped.Load() {
			continue
		} else if r.state == lockState {
			locks = append(locks, r)
			continue
		} else if r.superseded.Load() {
			continue
		}

		switch r.state {
		case dataState:
			data, err := r.data()
			if err != nil {
				return err
			}
			b.UpdateRecord(r.tbl.section, r.recNum, data, false)
		case deletedState:
			b.UpdateRecord(r.tbl.section, r.recNum, nil, false)
		}
		writes = append(writes, r)
	}

	err := b.Commit(true)
	if err != nil {
		log.WithFields(log.Fields{
			"transaction": tx.String(),
			"records":     b.Len(),
			"error":       err,
		}).Error("falcon: commit write failed")
		return err
	}

	for _, r := range locks {
		r.tbl.unwindLock(tx, r)
	}

	eng.commitMutex.Lock()
	eng.commits[tx] = writes
	eng.commitMutex.Unlock()
	return nil
}

// PostCommit fires the post commit triggers of the rows changed by tx.
func (eng *Engine) PostCommit(tx *service.Transaction) {
	eng.commitMutex.Lock()
	writes := eng.commits[tx]
	delete(eng.commits, tx)
	eng.commitMutex.Unlock()

	for _, r := range writes {
		r.tbl.postCommit(tx, r)
	}

	if eng.recordPool.Stats().ActiveMemory > eng.cfg.RecordScavengeThreshold {
		eng.scavenger.Signal()
	}
}

// Validate checks the memory pools and the version chains of every table.
func (eng *Engine) Validate() error {
	err := eng.recordPool.Validate()
	if err != nil {
		return err
	}
	err = eng.generalPool.Validate()
	if err != nil {
		return err
	}
	for _, tbl := range eng.allTables() {
		err = tbl.validate()
		if err != nil {
			return err
		}
	}
	return nil
}

func (eng *Engine) Stats() Stats {
	st := Stats{
		Generation:   eng.generation.Load(),
		Thaws:        eng.thaws.Load(),
		RecordPool:   eng.recordPool.Stats(),
		GeneralPool:  eng.generalPool.Stats(),
		Transactions: eng.ts.Stats(),
		Scavenge:     eng.scavenger.Stats(),
	}
	for _, tbl := range eng.allTables() {
		st.Tables = append(st.Tables, tbl.stats())
	}
	return st
}

type LockInfo struct {
	Name    string
	Type    syncobj.LockType
	Holders int
	Holder  string
	Waiters []syncobj.Waiter
	Stats   syncobj.Stats
}

func lockInfo(so *syncobj.SyncObject) LockInfo {
	lt, holders := so.State()
	li := LockInfo{
		Name:    so.Name(),
		Type:    lt,
		Holders: holders,
		Waiters: so.Waiters(),
		Stats:   so.Stats(),
	}
	if lt == syncobj.Exclusive {
		li.Holder = so.Holder().String()
	}
	return li
}

// Locks describes the table, record cache, and index locks of every table.
func (eng *Engine) Locks() []LockInfo {
	var infos []LockInfo
	for _, tbl := range eng.allTables() {
		infos = append(infos, lockInfo(tbl.updateLock), lockInfo(tbl.cache.so))
		for _, idx := range tbl.allIndexes() {
			infos = append(infos, lockInfo(idx.SyncObject()))
		}
	}
	return infos
}
