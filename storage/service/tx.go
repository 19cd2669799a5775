// Package service tracks transactions: their snapshots, states, savepoints, and the record
// versions each has written, and it lets one transaction wait for another to finish.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/leftmike/falcon/storage/syncobj"
)

type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
	ConsistentRead
)

func (il IsolationLevel) String() string {
	switch il {
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case ConsistentRead:
		return "consistent-read"
	}
	return fmt.Sprintf("isolation(%d)", int(il))
}

func ParseIsolationLevel(s string) (IsolationLevel, bool) {
	switch s {
	case "read-committed", "rc":
		return ReadCommitted, true
	case "repeatable-read", "rr":
		return RepeatableRead, true
	case "consistent-read", "cr":
		return ConsistentRead, true
	}
	return 0, false
}

type State int32

const (
	Active State = iota
	Committing
	Committed
	RolledBack
)

func (st State) String() string {
	switch st {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("state(%d)", int(st))
}

var (
	ErrDeadlock    = errors.New("service: deadlock")
	ErrNotActive   = errors.New("service: transaction not active")
	ErrNoSavepoint = errors.New("service: no such savepoint")
)

// Record is a version written by a transaction.
type Record interface {
	Savepoint() int
	SetSavepoint(sp int)

	// Commit clears the back reference to the transaction; commitSeq is the sequence
	// number assigned to the transaction.
	Commit(commitSeq uint64)

	// Rollback unlinks the version from its chain unless it has been superseded.
	Rollback()

	// Size is the memory held by the version.
	Size() int

	// Chill releases the in memory payload and returns the number of bytes released.
	Chill() (int, error)
}

// Committer makes the records of a transaction durable before the transaction becomes
// visible, and runs any work that must follow the commit.
type Committer interface {
	Commit(tx *Transaction) error
	PostCommit(tx *Transaction)
}

type Config struct {
	LockTimeout    time.Duration
	ChillThreshold int64
}

type TransactionService struct {
	mutex      sync.Mutex
	committer  Committer
	cfg        Config
	lastTID    uint64
	commitSeq  atomic.Uint64
	active     map[*Transaction]struct{}
	waitingFor map[*Transaction]*Transaction

	committed  atomic.Uint64
	rolledBack atomic.Uint64
	deadlocks  atomic.Uint64
	chilled    atomic.Uint64
}

type Transaction struct {
	ts        *TransactionService
	tid       uint64
	isolation IsolationLevel
	startSeq  uint64
	state     atomic.Int32
	commitSeq atomic.Uint64
	done      chan struct{}
	thrd      *syncobj.Thread

	mutex         sync.Mutex
	records       []Record
	savepoints    []int
	savepoint     int
	lastSavepoint int
	bytes         int64
	chillNext     int
}

type Stats struct {
	Active     int
	Committed  uint64
	RolledBack uint64
	Deadlocks  uint64
	Chilled    uint64
	CommitSeq  uint64
}

type TransactionInfo struct {
	TID       uint64
	Isolation IsolationLevel
	State     State
	StartSeq  uint64
	Records   int
	Bytes     int64
	WaitingOn uint64
}

func NewTransactionService(cfg Config, committer Committer) *TransactionService {
	return &TransactionService{
		committer:  committer,
		cfg:        cfg,
		active:     map[*Transaction]struct{}{},
		waitingFor: map[*Transaction]*Transaction{},
	}
}

func (ts *TransactionService) removeTransaction(tx *Transaction, st State) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	if st == Committed {
		tx.commitSeq.Store(ts.commitSeq.Inc())
	}
	tx.state.Store(int32(st))
	delete(ts.active, tx)
	delete(ts.waitingFor, tx)
}

// Begin a new transaction; its snapshot includes every transaction committed so far.
func (ts *TransactionService) Begin(isolation IsolationLevel) *Transaction {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	ts.lastTID += 1
	tx := &Transaction{
		ts:        ts,
		tid:       ts.lastTID,
		isolation: isolation,
		startSeq:  ts.commitSeq.Load(),
		done:      make(chan struct{}),
	}
	tx.thrd = syncobj.NewThread(tx.String())
	ts.active[tx] = struct{}{}
	return tx
}

// CommitSeq is the sequence number of the most recent commit.
func (ts *TransactionService) CommitSeq() uint64 {
	return ts.commitSeq.Load()
}

// OldestSnapshot returns the oldest commit sequence that some active transaction might
// still need to see.
func (ts *TransactionService) OldestSnapshot() uint64 {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	oldest := ts.commitSeq.Load()
	for tx := range ts.active {
		if tx.isolation != ReadCommitted && tx.startSeq < oldest {
			oldest = tx.startSeq
		}
	}
	return oldest
}

func (ts *TransactionService) Transactions() []TransactionInfo {
	ts.mutex.Lock()
	txs := make([]*Transaction, 0, len(ts.active))
	for tx := range ts.active {
		txs = append(txs, tx)
	}
	waiting := map[*Transaction]uint64{}
	for tx, other := range ts.waitingFor {
		waiting[tx] = other.tid
	}
	ts.mutex.Unlock()

	sort.Slice(txs, func(i, j int) bool {
		return txs[i].tid < txs[j].tid
	})
	infos := make([]TransactionInfo, 0, len(txs))
	for _, tx := range txs {
		tx.mutex.Lock()
		infos = append(infos,
			TransactionInfo{
				TID:       tx.tid,
				Isolation: tx.isolation,
				State:     tx.State(),
				StartSeq:  tx.startSeq,
				Records:   len(tx.records),
				Bytes:     tx.bytes,
				WaitingOn: waiting[tx],
			})
		tx.mutex.Unlock()
	}
	return infos
}

func (ts *TransactionService) Stats() Stats {
	ts.mutex.Lock()
	cnt := len(ts.active)
	ts.mutex.Unlock()

	return Stats{
		Active:     cnt,
		Committed:  ts.committed.Load(),
		RolledBack: ts.rolledBack.Load(),
		Deadlocks:  ts.deadlocks.Load(),
		Chilled:    ts.chilled.Load(),
		CommitSeq:  ts.commitSeq.Load(),
	}
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("transaction-%d", tx.tid)
}

func (tx *Transaction) TID() uint64 {
	return tx.tid
}

func (tx *Transaction) Isolation() IsolationLevel {
	return tx.isolation
}

func (tx *Transaction) StartSeq() uint64 {
	return tx.startSeq
}

func (tx *Transaction) State() State {
	return State(tx.state.Load())
}

// CommitSeq is zero until the transaction has committed.
func (tx *Transaction) CommitSeq() uint64 {
	return tx.commitSeq.Load()
}

func (tx *Transaction) Thread() *syncobj.Thread {
	return tx.thrd
}

// Done is closed once the transaction has committed or rolled back.
func (tx *Transaction) Done() <-chan struct{} {
	return tx.done
}

func (tx *Transaction) checkActive() error {
	if tx.State() != Active {
		return errors.Wrapf(ErrNotActive, "%s is %s", tx, tx.State())
	}
	return nil
}

// Records returns the versions written by the transaction, oldest first.
func (tx *Transaction) Records() []Record {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return append([]Record(nil), tx.records...)
}

func (tx *Transaction) Commit(ctx context.Context) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.state.Store(int32(Committing))

	if tx.ts.committer != nil {
		err := tx.ts.committer.Commit(tx)
		if err != nil {
			tx.state.Store(int32(Active))
			rerr := tx.Rollback()
			if rerr != nil {
				err = fmt.Errorf("%s; %s", err, rerr)
			}
			return err
		}
	}

	tx.ts.removeTransaction(tx, Committed)
	close(tx.done)

	tx.mutex.Lock()
	records := tx.records
	tx.records = nil
	tx.bytes = 0
	tx.mutex.Unlock()

	seq := tx.CommitSeq()
	for _, r := range records {
		r.Commit(seq)
	}
	tx.ts.committed.Inc()

	if tx.ts.committer != nil {
		tx.ts.committer.PostCommit(tx)
	}
	return nil
}

func (tx *Transaction) Rollback() error {
	if err := tx.checkActive(); err != nil {
		return err
	}

	tx.mutex.Lock()
	records := tx.records
	tx.records = nil
	tx.bytes = 0
	tx.mutex.Unlock()

	for rdx := len(records) - 1; rdx >= 0; rdx -= 1 {
		records[rdx].Rollback()
	}

	tx.ts.removeTransaction(tx, RolledBack)
	close(tx.done)
	tx.ts.rolledBack.Inc()
	return nil
}

// Savepoint is the savepoint new versions are written at.
func (tx *Transaction) Savepoint() int {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return tx.savepoint
}

// AddRecord adds a version written by the transaction. Once the transaction holds more
// than the chill threshold, its oldest versions are chilled.
func (tx *Transaction) AddRecord(r Record) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.records = append(tx.records, r)
	tx.bytes += int64(r.Size())

	if tx.ts.cfg.ChillThreshold > 0 && tx.bytes > tx.ts.cfg.ChillThreshold {
		tx.chillLocked()
	}
}

func (tx *Transaction) chillLocked() {
	target := tx.ts.cfg.ChillThreshold / 2
	for tx.chillNext < len(tx.records)-1 && tx.bytes > target {
		r := tx.records[tx.chillNext]
		tx.chillNext += 1

		n, err := r.Chill()
		if err != nil {
			log.WithFields(log.Fields{
				"transaction": tx.String(),
				"error":       err,
			}).Warn("chill record")
			return
		}
		if n > 0 {
			tx.bytes -= int64(n)
			tx.ts.chilled.Inc()
		}
	}
}

// RemoveRecord drops a version which no longer needs to be committed or rolled back by
// the transaction.
func (tx *Transaction) RemoveRecord(r Record) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	for rdx := len(tx.records) - 1; rdx >= 0; rdx -= 1 {
		if tx.records[rdx] == r {
			tx.bytes -= int64(r.Size())
			tx.records = append(tx.records[:rdx], tx.records[rdx+1:]...)
			if rdx < tx.chillNext {
				tx.chillNext -= 1
			}
			return
		}
	}
}

// SetSavepoint starts a new savepoint and returns its id.
func (tx *Transaction) SetSavepoint() (int, error) {
	if err := tx.checkActive(); err != nil {
		return 0, err
	}

	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.lastSavepoint += 1
	tx.savepoints = append(tx.savepoints, tx.lastSavepoint)
	tx.savepoint = tx.lastSavepoint
	return tx.savepoint, nil
}

func (tx *Transaction) findSavepoint(sp int) int {
	for sdx, id := range tx.savepoints {
		if id == sp {
			return sdx
		}
	}
	return -1
}

// RollbackSavepoint undoes every version written since savepoint sp was set. The savepoint
// remains current.
func (tx *Transaction) RollbackSavepoint(sp int) error {
	if err := tx.checkActive(); err != nil {
		return err
	}

	tx.mutex.Lock()
	sdx := tx.findSavepoint(sp)
	if sdx < 0 {
		tx.mutex.Unlock()
		return errors.Wrapf(ErrNoSavepoint, "%s: savepoint %d", tx, sp)
	}
	tx.savepoints = tx.savepoints[:sdx+1]
	tx.savepoint = sp

	var undo []Record
	rdx := len(tx.records)
	for rdx > 0 && tx.records[rdx-1].Savepoint() >= sp {
		rdx -= 1
		undo = append(undo, tx.records[rdx])
		tx.bytes -= int64(tx.records[rdx].Size())
	}
	tx.records = tx.records[:rdx]
	if tx.chillNext > rdx {
		tx.chillNext = rdx
	}
	tx.mutex.Unlock()

	for _, r := range undo {
		r.Rollback()
	}
	return nil
}

// ReleaseSavepoint folds savepoint sp, and every savepoint after it, into the savepoint
// before it.
func (tx *Transaction) ReleaseSavepoint(sp int) error {
	if err := tx.checkActive(); err != nil {
		return err
	}

	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	sdx := tx.findSavepoint(sp)
	if sdx < 0 {
		return errors.Wrapf(ErrNoSavepoint, "%s: savepoint %d", tx, sp)
	}
	prev := 0
	if sdx > 0 {
		prev = tx.savepoints[sdx-1]
	}
	tx.savepoints = tx.savepoints[:sdx]
	tx.savepoint = prev

	for rdx := len(tx.records) - 1; rdx >= 0; rdx -= 1 {
		r := tx.records[rdx]
		if r.Savepoint() < sp {
			break
		}
		r.SetSavepoint(prev)
	}
	return nil
}
