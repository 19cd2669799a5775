// Package dbb stores records by section and record number in a keyval.KV. Every stored
// record carries an xxhash checksum which is verified when it is read.
package dbb

import (
	"encoding/binary"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/falcon/storage/keyval"
)

const (
	metaTag   = 0x00
	recordTag = 0x01

	checksumSize = 8

	// CatalogSection is created when a Dbb is opened.
	CatalogSection = 0
)

var (
	ErrCorruptRecord  = errors.New("dbb: corrupt record")
	ErrUnknownSection = errors.New("dbb: unknown section")

	nextSectionKey = []byte{metaTag, 'n', 'e', 'x', 't'}
)

type Dbb struct {
	kv keyval.KV

	mutex       sync.Mutex
	sections    map[uint32]*section
	nextSection uint32
}

type section struct {
	id uint32

	mutex      sync.Mutex
	loaded     bool
	nextRecord uint32
	stored     *roaring.Bitmap
	free       *roaring.Bitmap
	reserved   *roaring.Bitmap
}

type SectionStats struct {
	Section  uint32
	Records  int
	Next     uint32
	Free     int
	Reserved int
}

func sectionKey(id uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{metaTag, 's'}, id)
}

func recordKey(id, recNum uint32) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, recordTag)
	buf = binary.BigEndian.AppendUint32(buf, id)
	return binary.BigEndian.AppendUint32(buf, recNum)
}

func parseRecordKey(key []byte) (uint32, uint32, bool) {
	if len(key) != 9 || key[0] != recordTag {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(key[1:]), binary.BigEndian.Uint32(key[5:]), true
}

func frame(data []byte) []byte {
	buf := make([]byte, checksumSize, checksumSize+len(data))
	binary.BigEndian.PutUint64(buf, xxhash.Sum64(data))
	return append(buf, data...)
}

func unframe(id, recNum uint32, val []byte) ([]byte, error) {
	if len(val) < checksumSize ||
		binary.BigEndian.Uint64(val) != xxhash.Sum64(val[checksumSize:]) {

		return nil, errors.Wrapf(ErrCorruptRecord, "section %d record %d", id, recNum)
	}
	return append(make([]byte, 0, len(val)-checksumSize), val[checksumSize:]...), nil
}

// Open a Dbb in kv, creating the catalog section if it does not already exist.
func Open(kv keyval.KV) (*Dbb, error) {
	dbb := &Dbb{
		kv:       kv,
		sections: map[uint32]*section{},
	}

	err := kv.Get(nextSectionKey,
		func(val []byte) error {
			if len(val) != 4 {
				return errors.Errorf("dbb: next section: bad length: %d", len(val))
			}
			dbb.nextSection = binary.BigEndian.Uint32(val)
			return nil
		})
	if err == io.EOF {
		_, err = dbb.CreateSection()
	}
	if err != nil {
		return nil, err
	}

	it, err := kv.Iterate(sectionKey(0), sectionKey(math.MaxUint32))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for {
		err = it.Item(
			func(key, val []byte) error {
				id := binary.BigEndian.Uint32(key[2:])
				if _, ok := dbb.sections[id]; !ok {
					dbb.sections[id] = &section{id: id}
				}
				return nil
			})
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"sections":     len(dbb.sections),
		"next-section": dbb.nextSection,
	}).Info("dbb: opened")
	return dbb, nil
}

func (dbb *Dbb) Close() error {
	return dbb.kv.Close()
}

func (dbb *Dbb) CreateSection() (uint32, error) {
	dbb.mutex.Lock()
	defer dbb.mutex.Unlock()

	id := dbb.nextSection
	upd, err := dbb.kv.Updater()
	if err != nil {
		return 0, err
	}
	err = upd.Set(sectionKey(id), []byte{})
	if err == nil {
		err = upd.Set(nextSectionKey, binary.BigEndian.AppendUint32(nil, id+1))
	}
	if err != nil {
		upd.Rollback()
		return 0, err
	}
	err = upd.Commit(true)
	if err != nil {
		return 0, err
	}

	dbb.nextSection = id + 1
	dbb.sections[id] = &section{
		id:       id,
		loaded:   true,
		stored:   roaring.New(),
		free:     roaring.New(),
		reserved: roaring.New(),
	}
	return id, nil
}

// DeleteSection removes the section and all of its records.
func (dbb *Dbb) DeleteSection(id uint32) error {
	dbb.mutex.Lock()
	defer dbb.mutex.Unlock()

	if _, ok := dbb.sections[id]; !ok {
		return errors.Wrapf(ErrUnknownSection, "section %d", id)
	}

	var keys [][]byte
	err := dbb.scan(id, 0,
		func(recNum uint32, val []byte) error {
			keys = append(keys, recordKey(id, recNum))
			return nil
		})
	if err != nil {
		return err
	}

	upd, err := dbb.kv.Updater()
	if err != nil {
		return err
	}
	for _, key := range keys {
		err = upd.Delete(key)
		if err != nil {
			upd.Rollback()
			return err
		}
	}
	err = upd.Delete(sectionKey(id))
	if err != nil {
		upd.Rollback()
		return err
	}
	err = upd.Commit(true)
	if err != nil {
		return err
	}

	delete(dbb.sections, id)
	return nil
}

func (dbb *Dbb) scan(id, start uint32, fn func(recNum uint32, val []byte) error) error {
	it, err := dbb.kv.Iterate(recordKey(id, start), recordKey(id, math.MaxUint32))
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		err = it.Item(
			func(key, val []byte) error {
				_, recNum, ok := parseRecordKey(key)
				if !ok {
					return errors.Errorf("dbb: section %d: bad record key: %v", id, key)
				}
				return fn(recNum, val)
			})
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func (dbb *Dbb) section(id uint32) (*section, error) {
	dbb.mutex.Lock()
	sect, ok := dbb.sections[id]
	dbb.mutex.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSection, "section %d", id)
	}

	sect.mutex.Lock()
	if !sect.loaded {
		err := dbb.load(sect)
		if err != nil {
			sect.mutex.Unlock()
			return nil, err
		}
	}
	return sect, nil
}

// load finds the stored records and the unused numbers below the highest one; sect.mutex
// must be held.
func (dbb *Dbb) load(sect *section) error {
	stored := roaring.New()
	free := roaring.New()
	var next uint32
	err := dbb.scan(sect.id, 0,
		func(recNum uint32, val []byte) error {
			for n := next; n < recNum; n += 1 {
				free.Add(n)
			}
			next = recNum + 1
			stored.Add(recNum)
			return nil
		})
	if err != nil {
		return err
	}

	sect.nextRecord = next
	sect.stored = stored
	sect.free = free
	sect.reserved = roaring.New()
	sect.loaded = true
	return nil
}

// InsertStub reserves a record number in the section; the lowest free number is used
// first.
func (dbb *Dbb) InsertStub(id uint32) (uint32, error) {
	sect, err := dbb.section(id)
	if err != nil {
		return 0, err
	}
	defer sect.mutex.Unlock()

	var recNum uint32
	if !sect.free.IsEmpty() {
		recNum = sect.free.Minimum()
		sect.free.Remove(recNum)
	} else {
		if sect.nextRecord == math.MaxUint32 {
			return 0, errors.Errorf("dbb: section %d: out of record numbers", id)
		}
		recNum = sect.nextRecord
		sect.nextRecord += 1
	}
	sect.reserved.Add(recNum)
	return recNum, nil
}

// FreeStub returns a record number which has no stored record to the free list; it is
// either a reserved number that was never written or a number whose record was removed.
func (dbb *Dbb) FreeStub(id, recNum uint32) error {
	sect, err := dbb.section(id)
	if err != nil {
		return err
	}
	defer sect.mutex.Unlock()

	if sect.stored.Contains(recNum) {
		return errors.Errorf("dbb: section %d: record %d is stored", id, recNum)
	} else if sect.free.Contains(recNum) || recNum >= sect.nextRecord {
		return errors.Errorf("dbb: section %d: record %d is not in use", id, recNum)
	}
	sect.reserved.Remove(recNum)
	sect.free.Add(recNum)
	return nil
}

// FetchRecord returns the data of a record; ok is false if there is no such record.
func (dbb *Dbb) FetchRecord(id, recNum uint32) ([]byte, bool, error) {
	var data []byte
	err := dbb.kv.Get(recordKey(id, recNum),
		func(val []byte) error {
			var err error
			data, err = unframe(id, recNum, val)
			return err
		})
	if err == io.EOF {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// FindNextRecord returns the first record at or after start or io.EOF.
func (dbb *Dbb) FindNextRecord(id, start uint32) (uint32, []byte, error) {
	var found bool
	var recNum uint32
	var data []byte
	err := dbb.scan(id, start,
		func(num uint32, val []byte) error {
			var err error
			data, err = unframe(id, num, val)
			if err != nil {
				return err
			}
			recNum = num
			found = true
			return io.EOF
		})
	if err != nil && err != io.EOF {
		return 0, nil, err
	}
	if !found {
		return 0, nil, io.EOF
	}
	return recNum, data, nil
}

// UpdateRecord writes a single record; see Batch.UpdateRecord.
func (dbb *Dbb) UpdateRecord(id, recNum uint32, data []byte, forceDelete bool) error {
	b := dbb.NewBatch()
	b.UpdateRecord(id, recNum, data, forceDelete)
	return b.Commit(true)
}

// RecordNumbers returns the numbers of the stored records of the section.
func (dbb *Dbb) RecordNumbers(id uint32) (*roaring.Bitmap, error) {
	sect, err := dbb.section(id)
	if err != nil {
		return nil, err
	}
	defer sect.mutex.Unlock()

	return sect.stored.Clone(), nil
}

func (dbb *Dbb) Sections() []uint32 {
	dbb.mutex.Lock()
	defer dbb.mutex.Unlock()

	var ids []uint32
	for id := range dbb.sections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (dbb *Dbb) SectionStats(id uint32) (SectionStats, error) {
	sect, err := dbb.section(id)
	if err != nil {
		return SectionStats{}, err
	}
	defer sect.mutex.Unlock()

	return SectionStats{
		Section:  id,
		Records:  int(sect.stored.GetCardinality()),
		Next:     sect.nextRecord,
		Free:     int(sect.free.GetCardinality()),
		Reserved: int(sect.reserved.GetCardinality()),
	}, nil
}
