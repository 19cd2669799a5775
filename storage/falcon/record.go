package falcon

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/encode"
	"github.com/leftmike/falcon/storage/mempool"
	"github.com/leftmike/falcon/storage/service"
)

type recordState int32

const (
	dataState recordState = iota
	deletedState
	lockState
	endChainState
)

// Memory held by a version in addition to its payload.
const recordOverhead = 128

func (rs recordState) String() string {
	switch rs {
	case dataState:
		return "data"
	case deletedState:
		return "deleted"
	case lockState:
		return "lock"
	case endChainState:
		return "end-chain"
	}
	return fmt.Sprintf("record-state(%d)", int(rs))
}

// Record is one version of a row. Versions form a chain, newest first, from the head kept
// in the record cache of the table; a version is never changed once it is published
// except for its prior link and its transaction fields.
type Record struct {
	tbl        *Table
	recNum     uint32
	state      recordState
	generation uint64
	size       int
	tid        uint64

	prior      atomic.Pointer[Record]
	tx         atomic.Pointer[service.Transaction]
	commitSeq  atomic.Uint64
	savepoint  atomic.Int64
	superseded atomic.Bool
	useCount   atomic.Int32

	mutex    sync.Mutex
	blk      mempool.Block
	chillNum uint32
	chilled  bool
	released bool
}

// VersionInfo describes one version in the chain of a row.
type VersionInfo struct {
	State      string
	TID        uint64
	CommitSeq  uint64
	Savepoint  int
	Generation uint64
	Size       int
	Chilled    bool
	Superseded bool
	Pending    bool
}

// newRecord makes a version with row as its payload; row is nil for lock and deleted
// versions.
func (tbl *Table) newRecord(tx *service.Transaction, recNum uint32, state recordState,
	row []sql.Value) (*Record, error) {

	r := &Record{
		tbl:        tbl,
		recNum:     recNum,
		state:      state,
		generation: tbl.eng.generation.Load(),
	}
	if tx != nil {
		r.tid = tx.TID()
		r.tx.Store(tx)
		r.savepoint.Store(int64(tx.Savepoint()))
	}

	if row != nil {
		sz := encode.RecordSize(tbl.format, row)
		blk, err := tbl.eng.allocateRecord(sz)
		if err != nil {
			return nil, tbl.error(err)
		}
		encode.AppendRecord(blk.Bytes()[:0], tbl.format, row)
		r.blk = blk
		r.size = sz
	}
	return r, nil
}

// loadRecord makes a committed version from a stored record.
func (tbl *Table) loadRecord(recNum uint32, data []byte) (*Record, error) {
	blk, err := tbl.eng.allocateRecord(len(data))
	if err != nil {
		return nil, tbl.error(err)
	}
	copy(blk.Bytes(), data)
	return &Record{
		tbl:        tbl,
		recNum:     recNum,
		state:      dataState,
		generation: tbl.eng.generation.Load(),
		size:       len(data),
		blk:        blk,
	}, nil
}

func (r *Record) String() string {
	return fmt.Sprintf("%s:%d:%s:%d", r.tbl.name, r.recNum, r.state, r.tid)
}

func (r *Record) hasData() bool {
	return r.state == dataState
}

func (r *Record) acquire() {
	r.useCount.Inc()
}

func (r *Record) unuse() {
	r.useCount.Dec()
}

// payloadLocked returns the encoded row; r.mutex must be held.
func (r *Record) payloadLocked() ([]byte, error) {
	if r.released {
		return nil, errReleased
	} else if r.chilled {
		return r.tbl.eng.thaw(r.chillNum)
	}
	return r.blk.Bytes()[:r.size], nil
}

// data returns a copy of the encoded row.
func (r *Record) data() ([]byte, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	buf, err := r.payloadLocked()
	if err != nil {
		return nil, err
	}
	return append(make([]byte, 0, len(buf)), buf...), nil
}

func (r *Record) row() ([]sql.Value, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	buf, err := r.payloadLocked()
	if err != nil {
		return nil, err
	}
	_, row, err := encode.DecodeRecord(buf, r.tbl.types)
	if err != nil {
		return nil, r.tbl.error(err)
	}
	return row, nil
}

// release returns the payload of a version which is no longer in any chain.
func (r *Record) release() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.released {
		return
	}
	r.released = true
	if !r.blk.IsZero() {
		r.tbl.eng.recordPool.Release(r.blk)
		r.blk = mempool.Block{}
	}
	if r.chilled {
		r.tbl.eng.dropChilled(r.chillNum)
	}
}

func (r *Record) info() VersionInfo {
	r.mutex.Lock()
	chilled := r.chilled
	r.mutex.Unlock()

	return VersionInfo{
		State:      r.state.String(),
		TID:        r.tid,
		CommitSeq:  r.commitSeq.Load(),
		Savepoint:  int(r.savepoint.Load()),
		Generation: r.generation,
		Size:       r.Size(),
		Chilled:    chilled,
		Superseded: r.superseded.Load(),
		Pending:    r.tx.Load() != nil,
	}
}

func (r *Record) Savepoint() int {
	return int(r.savepoint.Load())
}

func (r *Record) SetSavepoint(sp int) {
	r.savepoint.Store(int64(sp))
}

func (r *Record) Commit(commitSeq uint64) {
	r.commitSeq.Store(commitSeq)
	r.tx.Store(nil)
}

// Rollback is done by the newest version of the transaction; a superseded version has
// nothing to do.
func (r *Record) Rollback() {
	if r.superseded.Load() {
		return
	}
	r.tbl.rollbackRecord(r)
}

func (r *Record) Size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.chilled || r.released {
		return recordOverhead
	}
	return recordOverhead + r.size
}

func (r *Record) Chill() (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.state != dataState || r.chilled || r.released {
		return 0, nil
	}
	num, err := r.tbl.eng.chill(r.blk.Bytes()[:r.size])
	if err != nil {
		return 0, err
	}
	r.tbl.eng.recordPool.Release(r.blk)
	r.blk = mempool.Block{}
	r.chillNum = num
	r.chilled = true
	return r.size, nil
}
