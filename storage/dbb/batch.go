package dbb

import (
	"github.com/pkg/errors"
)

// Batch is a set of record writes committed atomically.
type Batch struct {
	dbb    *Dbb
	writes []write
}

type write struct {
	id          uint32
	recNum      uint32
	data        []byte
	forceDelete bool
}

func (dbb *Dbb) NewBatch() *Batch {
	return &Batch{
		dbb: dbb,
	}
}

// UpdateRecord adds a write of data to the batch. If data is nil, the stored record is
// removed; the record number stays in use unless forceDelete is true, in which case it may
// be reused.
func (b *Batch) UpdateRecord(id, recNum uint32, data []byte, forceDelete bool) {
	b.writes = append(b.writes,
		write{
			id:          id,
			recNum:      recNum,
			data:        data,
			forceDelete: forceDelete,
		})
}

func (b *Batch) Len() int {
	return len(b.writes)
}

func (b *Batch) Commit(sync bool) error {
	if len(b.writes) == 0 {
		return nil
	}

	b.dbb.mutex.Lock()
	for _, w := range b.writes {
		if _, ok := b.dbb.sections[w.id]; !ok {
			b.dbb.mutex.Unlock()
			return errors.Wrapf(ErrUnknownSection, "section %d", w.id)
		}
	}
	b.dbb.mutex.Unlock()

	upd, err := b.dbb.kv.Updater()
	if err != nil {
		return err
	}
	for _, w := range b.writes {
		if w.data != nil {
			err = upd.Set(recordKey(w.id, w.recNum), frame(w.data))
		} else {
			err = upd.Delete(recordKey(w.id, w.recNum))
		}
		if err != nil {
			upd.Rollback()
			return err
		}
	}
	err = upd.Commit(sync)
	if err != nil {
		return err
	}

	for _, w := range b.writes {
		sect, err := b.dbb.section(w.id)
		if err != nil {
			return err
		}
		sect.reserved.Remove(w.recNum)
		if w.data != nil {
			sect.stored.Add(w.recNum)
			if w.recNum >= sect.nextRecord {
				sect.nextRecord = w.recNum + 1
			}
		} else {
			sect.stored.Remove(w.recNum)
			if w.forceDelete {
				sect.free.Add(w.recNum)
			}
		}
		sect.mutex.Unlock()
	}

	b.writes = nil
	return nil
}
