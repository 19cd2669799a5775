package falcon

import (
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/falcon/storage/syncobj"
)

// RecordScavenge is the state of one scavenge cycle: a histogram of version bytes by age in
// generations, the threshold computed from it, and what was reclaimed.
type RecordScavenge struct {
	baseGeneration uint64
	oldestSnapshot uint64
	ageGroups      [ageGroups]int64
	veryOld        int64
	totalBytes     int64

	// Versions older than thresholdAge generations may be retired.
	thresholdAge int

	Pruned        int
	Retired       int
	Expunged      int
	ReclaimedSize int64

	// Tables passed over because their locks were not available.
	Skipped int
}

type ScavengeStats struct {
	Cycles    uint64
	Forced    uint64
	Skipped   uint64
	Reclaimed int64

	LastGeneration uint64
	LastThreshold  uint64
	LastOldest     uint64
	LastInventory  int64
	LastPruned     int
	LastRetired    int
	LastExpunged   int
	LastSkipped    int
	LastReclaimed  int64
	LastDuration   time.Duration
}

func newRecordScavenge(base, oldest uint64) *RecordScavenge {
	return &RecordScavenge{
		baseGeneration: base,
		oldestSnapshot: oldest,
	}
}

func (rs *RecordScavenge) age(generation uint64) int {
	if generation >= rs.baseGeneration {
		return 0
	}
	age := rs.baseGeneration - generation
	if age > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(age)
}

// inventory adds the size of every version of every row of tbl to the histogram.
func (rs *RecordScavenge) inventory(tbl *Table) {
	tbl.cache.forEach(
		func(recNum uint32, head *Record) bool {
			for v := head; v != nil; v = v.prior.Load() {
				sz := int64(v.Size())
				age := rs.age(v.generation)
				if age < ageGroups {
					rs.ageGroups[age] += sz
				} else {
					rs.veryOld += sz
				}
				rs.totalBytes += sz
			}
			return true
		})
}

// computeThreshold accumulates the histogram from the newest versions to the oldest; the
// versions older than the age at which floor bytes are reached may be retired. If floor is
// never reached, no version may be retired.
func (rs *RecordScavenge) computeThreshold(floor int64) uint64 {
	rs.thresholdAge = -1
	if floor <= 0 {
		return rs.baseGeneration + 1
	}

	var total int64
	for age := 0; age < ageGroups; age += 1 {
		total += rs.ageGroups[age]
		if total >= floor {
			rs.thresholdAge = age
			if uint64(age) > rs.baseGeneration {
				return 0
			}
			return rs.baseGeneration - uint64(age)
		}
	}
	rs.thresholdAge = math.MaxInt32
	return 0
}

func (rs *RecordScavenge) eligible(generation uint64) bool {
	return rs.age(generation) > rs.thresholdAge
}

// neededVersion returns the newest committed version which every active snapshot can see;
// older versions are not visible to anyone.
func (rs *RecordScavenge) neededVersion(head *Record) *Record {
	for v := head; v != nil; v = v.prior.Load() {
		if v.state == lockState || v.state == endChainState || v.tx.Load() != nil {
			continue
		}
		if v.commitSeq.Load() <= rs.oldestSnapshot {
			return v
		}
	}
	return nil
}

// reclaim prunes the versions of each row of tbl that no snapshot can see, retires the
// heads of old rows which are stored, and expunges deleted rows. The table update lock and
// the cache lock are held exclusive throughout. Unless wait is set, a table whose locks are
// not available is skipped.
func (rs *RecordScavenge) reclaim(thrd *syncobj.Thread, tbl *Table, wait bool) {
	if tbl.dropped.Load() {
		return
	}
	if !rs.lock(thrd, tbl, tbl.updateLock, wait) {
		return
	}
	defer tbl.updateLock.Unlock(thrd, syncobj.Exclusive)

	if !rs.lock(thrd, tbl, tbl.cache.so, wait) {
		return
	}
	defer tbl.cache.so.Unlock(thrd, syncobj.Exclusive)

	if tbl.dropped.Load() {
		return
	}

	tbl.cache.forEach(
		func(recNum uint32, head *Record) bool {
			rs.prune(thrd, tbl, recNum, head)
			if head.useCount.Load() > 0 || !rs.eligible(head.generation) ||
				head.tx.Load() != nil || head.commitSeq.Load() > rs.oldestSnapshot {
				return true
			}

			switch head.state {
			case dataState:
				if head.prior.Load() != nil {
					return true
				}
				if tbl.cache.publishLocked(recNum, head, nil) {
					rs.Retired += 1
					rs.ReclaimedSize += int64(head.Size())
					head.release()
				}
			case deletedState:
				rs.expunge(thrd, tbl, recNum, head)
			}
			return true
		})
}

func (rs *RecordScavenge) lock(thrd *syncobj.Thread, tbl *Table, so *syncobj.SyncObject,
	wait bool) bool {

	if !wait {
		if so.TryLock(thrd, syncobj.Exclusive) {
			return true
		}
		rs.Skipped += 1
		log.WithFields(log.Fields{
			"table": tbl.name,
			"lock":  so.Name(),
		}).Debug("falcon: scavenge skipped table")
		return false
	}

	err := so.Lock(thrd, syncobj.Exclusive, 0)
	if err != nil {
		rs.Skipped += 1
		log.WithFields(log.Fields{
			"table": tbl.name,
			"lock":  so.Name(),
			"error": err,
		}).Warn("falcon: scavenge")
		return false
	}
	return true
}

func (rs *RecordScavenge) prune(thrd *syncobj.Thread, tbl *Table, recNum uint32,
	head *Record) {

	needed := rs.neededVersion(head)
	if needed == nil {
		return
	}

	// The last data version under a delete supplies the index keys to expunge.
	keep := needed
	if needed.state == deletedState {
		if prior := needed.prior.Load(); prior != nil {
			keep = prior
		}
	}
	cut := keep.prior.Load()
	if cut == nil {
		return
	}
	keep.prior.Store(nil)

	var leaving []*Record
	for v := cut; v != nil; v = v.prior.Load() {
		leaving = append(leaving, v)
	}
	tbl.removeKeysLocked(thrd, recNum, leaving, head)
	for _, v := range leaving {
		rs.Pruned += 1
		rs.ReclaimedSize += int64(v.Size())
		v.release()
	}
}

// expunge removes a deleted row visible to everyone: the slot holds an end of chain
// version while the index entries and the stored record are removed and the record number
// is freed.
func (rs *RecordScavenge) expunge(thrd *syncobj.Thread, tbl *Table, recNum uint32,
	head *Record) {

	end := &Record{
		tbl:    tbl,
		recNum: recNum,
		state:  endChainState,
	}
	if !tbl.cache.publishLocked(recNum, head, end) {
		return
	}

	var leaving []*Record
	for v := head; v != nil; v = v.prior.Load() {
		leaving = append(leaving, v)
	}
	tbl.removeKeysLocked(thrd, recNum, leaving, nil)

	err := tbl.eng.dbb.UpdateRecord(tbl.section, recNum, nil, false)
	if err != nil {
		log.WithFields(log.Fields{
			"table":  tbl.name,
			"record": recNum,
			"error":  err,
		}).Warn("falcon: expunge")
		tbl.cache.publishLocked(recNum, end, head)
		return
	}
	tbl.cache.publishLocked(recNum, end, nil)
	err = tbl.eng.dbb.FreeStub(tbl.section, recNum)
	if err != nil {
		log.WithFields(log.Fields{
			"table":  tbl.name,
			"record": recNum,
			"error":  err,
		}).Warn("falcon: expunge")
	}

	for _, v := range leaving {
		rs.ReclaimedSize += int64(v.Size())
		v.release()
	}
	rs.Expunged += 1
}

// Scavenger runs scavenge cycles: periodically once started, when signaled because
// record memory is over the threshold, and synchronously when forced.
type Scavenger struct {
	eng  *Engine
	thrd *syncobj.Thread

	// One cycle at a time.
	cycleMutex sync.Mutex

	mutex   sync.Mutex
	stats   ScavengeStats
	running bool
	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func newScavenger(eng *Engine) *Scavenger {
	return &Scavenger{
		eng:    eng,
		thrd:   syncobj.NewThread("scavenger"),
		signal: make(chan struct{}, 1),
	}
}

// Start runs scavenge cycles in the background every scavenge interval and when signaled.
func (sc *Scavenger) Start() {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.running {
		return
	}
	sc.running = true
	sc.stop = make(chan struct{})
	sc.done = make(chan struct{})
	go sc.loop(sc.stop, sc.done)
}

func (sc *Scavenger) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sc.eng.cfg.ScavengeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-sc.signal:
		}
		sc.Scavenge()
	}
}

func (sc *Scavenger) Stop() {
	sc.mutex.Lock()
	if !sc.running {
		sc.mutex.Unlock()
		return
	}
	sc.running = false
	close(sc.stop)
	done := sc.done
	sc.mutex.Unlock()

	<-done
}

// Signal wakes the background scavenger, if it is running.
func (sc *Scavenger) Signal() {
	select {
	case sc.signal <- struct{}{}:
	default:
	}
}

// Scavenge runs a cycle now if record memory is over the scavenge threshold.
func (sc *Scavenger) Scavenge() *RecordScavenge {
	sc.cycleMutex.Lock()
	defer sc.cycleMutex.Unlock()

	return sc.cycle(false, true)
}

// Force runs a cycle now regardless of record memory. It must not be called while holding
// a table lock; use forceNoWait there.
func (sc *Scavenger) Force() *RecordScavenge {
	sc.cycleMutex.Lock()
	defer sc.cycleMutex.Unlock()

	return sc.cycle(true, true)
}

// forceNoWait runs a forced cycle for a caller which may hold table locks or the catalog
// mutex. It returns nil at once if another cycle is running, and skips any table whose
// locks it cannot take without waiting.
func (sc *Scavenger) forceNoWait() *RecordScavenge {
	if !sc.cycleMutex.TryLock() {
		return nil
	}
	defer sc.cycleMutex.Unlock()

	return sc.cycle(true, false)
}

func (sc *Scavenger) cycle(forced, wait bool) *RecordScavenge {
	eng := sc.eng
	active := eng.recordPool.Stats().ActiveMemory
	if !forced && active <= eng.cfg.RecordScavengeThreshold {
		sc.mutex.Lock()
		sc.stats.Skipped += 1
		sc.mutex.Unlock()
		return nil
	}

	start := time.Now()
	rs := newRecordScavenge(eng.generation.Load(), eng.ts.OldestSnapshot())
	tbls := eng.allTables()
	for _, tbl := range tbls {
		rs.inventory(tbl)
	}
	threshold := rs.computeThreshold(eng.cfg.RecordScavengeFloor)
	for _, tbl := range tbls {
		rs.reclaim(sc.thrd, tbl, wait)
	}
	eng.generation.Inc()
	dur := time.Since(start)

	sc.mutex.Lock()
	sc.stats.Cycles += 1
	if forced {
		sc.stats.Forced += 1
	}
	sc.stats.Reclaimed += rs.ReclaimedSize
	sc.stats.LastGeneration = rs.baseGeneration
	sc.stats.LastThreshold = threshold
	sc.stats.LastOldest = rs.oldestSnapshot
	sc.stats.LastInventory = rs.totalBytes
	sc.stats.LastPruned = rs.Pruned
	sc.stats.LastRetired = rs.Retired
	sc.stats.LastExpunged = rs.Expunged
	sc.stats.LastSkipped = rs.Skipped
	sc.stats.LastReclaimed = rs.ReclaimedSize
	sc.stats.LastDuration = dur
	sc.mutex.Unlock()

	log.WithFields(log.Fields{
		"generation": rs.baseGeneration,
		"threshold":  threshold,
		"oldest":     rs.oldestSnapshot,
		"forced":     forced,
		"inventory":  humanize.IBytes(uint64(rs.totalBytes)),
		"pruned":     rs.Pruned,
		"retired":    rs.Retired,
		"expunged":   rs.Expunged,
		"skipped":    rs.Skipped,
		"reclaimed":  humanize.IBytes(uint64(rs.ReclaimedSize)),
		"duration":   dur,
	}).Debug("falcon: scavenge")
	return rs
}

func (sc *Scavenger) Stats() ScavengeStats {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	return sc.stats
}
