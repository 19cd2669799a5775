package falcon

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/index"
	"github.com/leftmike/falcon/storage/service"
	"github.com/leftmike/falcon/storage/syncobj"
)

var ErrNotLocked = errors.New("falcon: record not locked")

type indexKey struct {
	idx *index.Index
	key []byte
}

// prepareRow fills in defaults for missing or nil values and converts each value to the
// type of its column.
func (tbl *Table) prepareRow(vals []sql.Value) ([]sql.Value, error) {
	if len(vals) > len(tbl.columns) {
		return nil, tbl.error(errors.Errorf("%d values for %d columns", len(vals),
			len(tbl.columns)))
	}
	row := make([]sql.Value, len(tbl.columns))
	for cdx, col := range tbl.columns {
		var val sql.Value
		if cdx < len(vals) {
			val = vals[cdx]
		}
		if val == nil {
			val = col.Default
		}
		cv, err := col.ConvertValue(val)
		if err != nil {
			return nil, tbl.error(err)
		}
		row[cdx] = cv
	}
	return row, nil
}

func (tbl *Table) convertRow(row []sql.Value) error {
	for cdx, col := range tbl.columns {
		cv, err := col.ConvertValue(row[cdx])
		if err != nil {
			return tbl.error(err)
		}
		row[cdx] = cv
	}
	return nil
}

// Insert adds a row and returns its record number. Missing and nil values are set to the
// default of their column.
func (tbl *Table) Insert(ctx context.Context, tx *service.Transaction,
	vals []sql.Value) (uint32, error) {

	if err := tbl.checkDropped(); err != nil {
		return 0, err
	}
	row, err := tbl.prepareRow(vals)
	if err != nil {
		return 0, err
	}
	err = tbl.fireTriggers(ctx, tx, PreInsert, 0, nil, row)
	if err != nil {
		return 0, err
	}
	err = tbl.convertRow(row)
	if err != nil {
		return 0, err
	}
	err = tbl.checkForeignKeys(ctx, tx, nil, row)
	if err != nil {
		return 0, err
	}

	rec, err := tbl.newRecord(tx, 0, dataState, row)
	if err != nil {
		return 0, err
	}
	recNum, err := tbl.eng.dbb.InsertStub(tbl.section)
	if err != nil {
		rec.release()
		return 0, tbl.error(err)
	}
	rec.recNum = recNum

	err = tbl.insertRecord(ctx, tx, rec, row)
	if err != nil {
		rec.release()
		if ferr := tbl.eng.dbb.FreeStub(tbl.section, recNum); ferr != nil {
			log.WithFields(log.Fields{
				"table":  tbl.name,
				"record": recNum,
				"error":  ferr,
			}).Warn("falcon: free stub")
		}
		return 0, err
	}
	tx.AddRecord(rec)

	err = tbl.fireTriggers(ctx, tx, PostInsert, recNum, nil, row)
	if err != nil {
		tbl.undo(tx, rec)
		return 0, err
	}
	return recNum, nil
}

// insertRecord publishes a new row once no unique index has a conflicting key; it waits for
// pending transactions with conflicting keys.
func (tbl *Table) insertRecord(ctx context.Context, tx *service.Transaction, rec *Record,
	row []sql.Value) error {

	for attempt := 0; attempt <= tbl.eng.cfg.MaxRetries; attempt += 1 {
		writer, ok, err := tbl.install(tx, rec.recNum, nil, rec, nil, nil, row)
		if err != nil {
			return err
		} else if ok {
			return nil
		} else if writer == nil {
			return tbl.error(errors.Errorf("record %d already in use", rec.recNum))
		}

		_, err = tx.WaitFor(ctx, writer)
		if err != nil {
			return tbl.error(err)
		}
	}
	return tbl.exhausted(ErrUniqueDuplicate, tbl.eng.cfg.MaxRetries+1)
}

// undo removes the newest version of a transaction when the rest of the operation which
// wrote it fails.
func (tbl *Table) undo(tx *service.Transaction, rec *Record) {
	tx.RemoveRecord(rec)
	tbl.rollbackRecord(rec)
}

// Update changes the columns of a row; changes maps column numbers to new values.
func (tbl *Table) Update(ctx context.Context, tx *service.Transaction, recNum uint32,
	changes map[int]sql.Value) error {

	if err := tbl.checkDropped(); err != nil {
		return err
	}
	for col := range changes {
		if col < 0 || col >= len(tbl.columns) {
			return tbl.error(errors.Errorf("no column %d", col))
		}
	}

	rec, oldRow, newRow, err := tbl.modify(ctx, tx, recNum, dataState,
		func(oldRow []sql.Value) ([]sql.Value, error) {
			newRow := append([]sql.Value(nil), oldRow...)
			for col, val := range changes {
				newRow[col] = val
			}
			err := tbl.convertRow(newRow)
			if err != nil {
				return nil, err
			}
			err = tbl.fireTriggers(ctx, tx, PreUpdate, recNum, oldRow, newRow)
			if err != nil {
				return nil, err
			}
			err = tbl.convertRow(newRow)
			if err != nil {
				return nil, err
			}
			err = tbl.checkForeignKeys(ctx, tx, oldRow, newRow)
			if err != nil {
				return nil, err
			}
			return newRow, tbl.checkReferencedUpdate(ctx, tx, oldRow, newRow)
		})
	if err != nil || rec == nil {
		return err
	}

	err = tbl.fireTriggers(ctx, tx, PostUpdate, recNum, oldRow, newRow)
	if err != nil {
		tbl.undo(tx, rec)
		return err
	}
	return nil
}

// Delete removes a row, applying the delete rules of the foreign keys which refer to it.
func (tbl *Table) Delete(ctx context.Context, tx *service.Transaction, recNum uint32) error {
	if err := tbl.checkDropped(); err != nil {
		return err
	}

	row, err := tbl.fetch(tx, tx.Thread(), recNum)
	if err != nil {
		return err
	} else if row == nil {
		return tbl.error(errors.Wrapf(ErrNotFound, "record %d", recNum))
	}
	err = tbl.fireTriggers(ctx, tx, PreDelete, recNum, row, nil)
	if err != nil {
		return err
	}
	err = tbl.applyDeleteRules(ctx, tx, row)
	if err != nil {
		return err
	}

	rec, oldRow, _, err := tbl.modify(ctx, tx, recNum, deletedState, nil)
	if err != nil || rec == nil {
		return err
	}

	err = tbl.fireTriggers(ctx, tx, PostDelete, recNum, oldRow, nil)
	if err != nil {
		tbl.undo(tx, rec)
		return err
	}
	return nil
}

// LockRecord claims a row for tx with a lock version, without changing it. A row already
// locked or changed by tx is left alone.
func (tbl *Table) LockRecord(ctx context.Context, tx *service.Transaction,
	recNum uint32) error {

	if err := tbl.checkDropped(); err != nil {
		return err
	}
	_, _, _, err := tbl.modify(ctx, tx, recNum, lockState, nil)
	return err
}

// FetchForUpdate locks a row for tx and returns it.
func (tbl *Table) FetchForUpdate(ctx context.Context, tx *service.Transaction,
	recNum uint32) ([]sql.Value, error) {

	err := tbl.LockRecord(ctx, tx, recNum)
	if err != nil {
		return nil, err
	}
	return tbl.Fetch(ctx, tx, recNum)
}

// UnlockRecord removes a lock version of tx which has not been written through.
func (tbl *Table) UnlockRecord(ctx context.Context, tx *service.Transaction,
	recNum uint32) error {

	if err := tbl.checkDropped(); err != nil {
		return err
	}
	head := tbl.cache.get(recNum)
	if head == nil || head.state != lockState || head.tx.Load() != tx {
		return tbl.error(errors.Wrapf(ErrNotLocked, "record %d", recNum))
	}
	tbl.undo(tx, head)
	return nil
}

// modify runs the validate and insert loop which puts a new version at the head of the
// chain of recNum. build, nil for lock and deleted versions, returns the new row given the
// current row. If tx already has the row locked or changed, a lock request returns a nil
// version.
func (tbl *Table) modify(ctx context.Context, tx *service.Transaction, recNum uint32,
	state recordState,
	build func(oldRow []sql.Value) ([]sql.Value, error)) (*Record, []sql.Value, []sql.Value,
	error) {

	thrd := tx.Thread()
	conflict := ErrUpdateConflict
	for attempt := 0; attempt <= tbl.eng.cfg.MaxRetries; attempt += 1 {
		head, err := tbl.head(thrd, recNum)
		if err != nil {
			return nil, nil, nil, err
		} else if head == nil || head.state == endChainState {
			return nil, nil, nil, tbl.error(errors.Wrapf(ErrNotFound, "record %d", recNum))
		}

		writer := head.tx.Load()
		rs := tx.RelativeState(writer, head.commitSeq.Load())
		switch rs {
		case service.Pending, service.Aborted:
			conflict = ErrUpdateConflict
			_, err = tx.WaitFor(ctx, writer)
			if err != nil {
				return nil, nil, nil, tbl.error(err)
			}
			continue
		case service.CommittedInvisible:
			if tx.Isolation() != service.ReadCommitted {
				return nil, nil, nil, tbl.error(errors.Wrapf(ErrUpdateConflict, "record %d",
					recNum))
			}
		}

		if rs == service.Us && state == lockState {
			return nil, nil, nil, nil
		}
		base := head
		for base != nil && base.state == lockState {
			base = base.prior.Load()
		}
		if base == nil || base.state != dataState {
			return nil, nil, nil, tbl.error(errors.Wrapf(ErrNotFound, "record %d", recNum))
		}
		oldRow, err := base.row()
		if err == errReleased {
			continue
		} else if err != nil {
			return nil, nil, nil, err
		}

		var newRow []sql.Value
		if build != nil {
			newRow, err = build(oldRow)
			if err != nil {
				return nil, nil, nil, err
			}
		}
		rec, err := tbl.newRecord(tx, recNum, state, newRow)
		if err != nil {
			return nil, nil, nil, err
		}

		// A new version at the same savepoint as the current version of tx replaces it.
		prior := head
		var collapsed *Record
		if rs == service.Us && head.Savepoint() >= tx.Savepoint() {
			collapsed = head
			prior = head.prior.Load()
		}
		rec.prior.Store(prior)

		waitFor, ok, err := tbl.install(tx, recNum, head, rec, collapsed, oldRow, newRow)
		if err != nil {
			rec.release()
			return nil, nil, nil, err
		} else if !ok {
			rec.release()
			if waitFor != nil {
				conflict = ErrUniqueDuplicate
				_, err = tx.WaitFor(ctx, waitFor)
				if err != nil {
					return nil, nil, nil, tbl.error(err)
				}
			}
			continue
		}

		if collapsed != nil {
			tx.RemoveRecord(collapsed)
			collapsed.release()
		} else if rs == service.Us {
			head.superseded.Store(true)
		}
		tx.AddRecord(rec)
		return rec, oldRow, newRow, nil
	}

	log.WithFields(log.Fields{
		"table":       tbl.name,
		"record":      recNum,
		"transaction": tx.String(),
		"conflict":    conflict,
	}).Warn("falcon: retries exhausted")
	return nil, nil, nil, tbl.exhausted(conflict, tbl.eng.cfg.MaxRetries+1)
}

// install checks unique indexes, adds index entries for newRow, and replaces expected
// with rec as the head of the chain of recNum. If a pending transaction has a conflicting
// key, it is returned and the caller must wait for it. If the head is no longer expected,
// install returns false.
func (tbl *Table) install(tx *service.Transaction, recNum uint32, expected, rec,
	collapsed *Record, oldRow, newRow []sql.Value) (*service.Transaction, bool, error) {

	thrd := tx.Thread()
	err := tbl.updateLock.Lock(thrd, syncobj.Exclusive, tbl.eng.cfg.LockTimeout)
	if err != nil {
		return nil, false, tbl.error(err)
	}
	defer tbl.updateLock.Unlock(thrd, syncobj.Exclusive)

	if err := tbl.checkDropped(); err != nil {
		return nil, false, err
	}
	if tbl.cache.get(recNum) != expected {
		return nil, false, nil
	}

	var added []indexKey
	if newRow != nil {
		writer, err := tbl.checkUniqueLocked(tx, recNum, oldRow, newRow)
		if err != nil || writer != nil {
			return writer, false, err
		}
		added, err = tbl.insertKeysLocked(thrd, recNum, oldRow, newRow)
		if err != nil {
			return nil, false, err
		}
	}

	ok, err := tbl.cache.publish(thrd, recNum, expected, rec)
	if err != nil || !ok {
		for _, ik := range added {
			tbl.removeKeyLocked(thrd, ik.idx, ik.key, recNum, "unwind publish")
		}
		if err != nil {
			return nil, false, tbl.error(err)
		}
		return nil, false, nil
	}

	if collapsed != nil {
		tbl.removeKeysLocked(thrd, recNum, []*Record{collapsed}, rec)
	}
	return nil, true, nil
}

func (tbl *Table) insertKeysLocked(thrd *syncobj.Thread, recNum uint32,
	oldRow, newRow []sql.Value) ([]indexKey, error) {

	var added []indexKey
	for _, idx := range tbl.allIndexes() {
		key, _ := idx.MakeKey(newRow)
		if oldRow != nil {
			oldKey, _ := idx.MakeKey(oldRow)
			if bytes.Equal(key, oldKey) {
				continue
			}
		}
		ok, err := idx.Insert(thrd, key, recNum)
		if err != nil {
			for _, ik := range added {
				tbl.removeKeyLocked(thrd, ik.idx, ik.key, recNum, "unwind insert")
			}
			return nil, tbl.indexError(tbl.indexName(idx), err)
		} else if ok {
			added = append(added, indexKey{idx: idx, key: key})
		}
	}
	return added, nil
}

// removeKeyLocked removes one index entry; an entry which cannot be removed or is missing
// leaves the index out of step with the record chain, so it is logged.
func (tbl *Table) removeKeyLocked(thrd *syncobj.Thread, idx *index.Index, key []byte,
	recNum uint32, op string) {

	ok, err := idx.Remove(thrd, key, recNum)
	if err != nil {
		log.WithFields(log.Fields{
			"table":  tbl.name,
			"index":  tbl.indexName(idx),
			"record": recNum,
			"error":  err,
		}).Warn("falcon: " + op)
	} else if !ok {
		log.WithFields(log.Fields{
			"table":  tbl.name,
			"index":  tbl.indexName(idx),
			"record": recNum,
		}).Warn("falcon: " + op + ": index entry missing")
	}
}

// removeKeysLocked removes the index entries of the leaving versions, except for keys
// which a version in the chain from staying still has.
func (tbl *Table) removeKeysLocked(thrd *syncobj.Thread, recNum uint32, leaving []*Record,
	staying *Record) {

	var leavingRows [][]sql.Value
	for _, v := range leaving {
		if !v.hasData() {
			continue
		}
		row, err := v.row()
		if err != nil {
			log.WithFields(log.Fields{
				"table":  tbl.name,
				"record": recNum,
				"error":  err,
			}).Warn("falcon: index garbage collect")
			continue
		}
		leavingRows = append(leavingRows, row)
	}
	if len(leavingRows) == 0 {
		return
	}

	var stayingRows [][]sql.Value
	for v := staying; v != nil; v = v.prior.Load() {
		if !v.hasData() {
			continue
		}
		row, err := v.row()
		if err == nil {
			stayingRows = append(stayingRows, row)
		}
	}

	for _, idx := range tbl.allIndexes() {
		keep := map[string]struct{}{}
		for _, row := range stayingRows {
			key, _ := idx.MakeKey(row)
			keep[string(key)] = struct{}{}
		}
		for _, row := range leavingRows {
			key, _ := idx.MakeKey(row)
			if _, ok := keep[string(key)]; ok {
				continue
			}
			tbl.removeKeyLocked(thrd, idx, key, recNum, "index garbage collect")
			keep[string(key)] = struct{}{}
		}
	}
}

// rollbackRecord puts the prior of r back at the head of its chain and releases r.
func (tbl *Table) rollbackRecord(r *Record) {
	writer := r.tx.Load()
	thrd := tbl.eng.thrd
	if writer != nil {
		thrd = writer.Thread()
	}

	if tbl.dropped.Load() {
		r.release()
		return
	}

	err := tbl.updateLock.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		log.WithFields(log.Fields{
			"table": tbl.name,
			"error": err,
		}).Error("falcon: rollback")
		return
	}

	prior := r.prior.Load()
	ok, err := tbl.cache.publish(thrd, r.recNum, r, prior)
	if err != nil || !ok {
		tbl.updateLock.Unlock(thrd, syncobj.Exclusive)
		log.WithFields(log.Fields{
			"table":   tbl.name,
			"record":  r.recNum,
			"version": r.String(),
			"error":   err,
		}).Error("falcon: rollback of version which is not the head")
		return
	}
	if prior != nil && writer != nil && prior.tx.Load() == writer {
		prior.superseded.Store(false)
	}
	tbl.removeKeysLocked(thrd, r.recNum, []*Record{r}, prior)
	tbl.updateLock.Unlock(thrd, syncobj.Exclusive)

	if prior == nil {
		err = tbl.eng.dbb.FreeStub(tbl.section, r.recNum)
		if err != nil {
			log.WithFields(log.Fields{
				"table":  tbl.name,
				"record": r.recNum,
				"error":  err,
			}).Warn("falcon: free stub")
		}
	}
	r.release()
}

// unwindLock removes a lock version of a committing transaction from its chain.
func (tbl *Table) unwindLock(tx *service.Transaction, r *Record) {
	thrd := tx.Thread()
	prior := r.prior.Load()

	ok, err := tbl.cache.publish(thrd, r.recNum, r, prior)
	if err != nil {
		log.WithFields(log.Fields{
			"table":  tbl.name,
			"record": r.recNum,
			"error":  err,
		}).Error("falcon: unwind lock")
		return
	}
	if !ok {
		// Written through by a later version of tx at another savepoint.
		for v := tbl.cache.get(r.recNum); v != nil; v = v.prior.Load() {
			if v.prior.Load() == r {
				v.prior.Store(prior)
				break
			}
		}
	}
	r.release()
}

// checkUniqueLocked looks for a row other than recNum with the key of newRow in a unique
// index. It returns the pending transaction to wait for, or ErrUniqueDuplicate.
func (tbl *Table) checkUniqueLocked(tx *service.Transaction, recNum uint32,
	oldRow, newRow []sql.Value) (*service.Transaction, error) {

	thrd := tx.Thread()
	for _, idx := range tbl.allIndexes() {
		if !idx.Unique() {
			continue
		}
		key, hasNull := idx.MakeKey(newRow)
		if hasNull {
			continue
		}
		if oldRow != nil {
			oldKey, _ := idx.MakeKey(oldRow)
			if bytes.Equal(key, oldKey) {
				continue
			}
		}

		recNums, err := idx.Lookup(thrd, key)
		if err != nil {
			return nil, tbl.indexError(tbl.indexName(idx), err)
		}
		for _, n := range recNums {
			if n == recNum {
				continue
			}
			dup, writer, err := tbl.duplicateState(tx, idx, n, key)
			if err != nil {
				return nil, err
			} else if writer != nil {
				return writer, nil
			} else if dup {
				return nil, tbl.indexError(tbl.indexName(idx),
					errors.Wrapf(ErrUniqueDuplicate, "record %d", n))
			}
		}
	}
	return nil, nil
}

// duplicateState walks the chain of recNum and classifies its versions relative to tx to
// decide whether recNum has key in idx. If the answer depends on a pending transaction, that
// transaction is returned.
func (tbl *Table) duplicateState(tx *service.Transaction, idx *index.Index, recNum uint32,
	key []byte) (bool, *service.Transaction, error) {

	head, err := tbl.head(tx.Thread(), recNum)
	if err != nil || head == nil {
		return false, nil, err
	}
	for v := head; v != nil; v = v.prior.Load() {
		writer := v.tx.Load()
		switch tx.RelativeState(writer, v.commitSeq.Load()) {
		case service.Aborted:
			continue
		case service.Pending:
			if v.state == lockState {
				continue
			}
			return false, writer, nil
		case service.Us, service.CommittedVisible, service.CommittedInvisible:
			if v.state == lockState {
				continue
			} else if v.state != dataState {
				return false, nil, nil
			}
			row, err := v.row()
			if err == errReleased {
				return false, nil, nil
			} else if err != nil {
				return false, nil, err
			}
			vkey, _ := idx.MakeKey(row)
			return bytes.Equal(vkey, key), nil, nil
		}
	}
	return false, nil, nil
}
