// Package syncobj provides SyncObject, a shared/exclusive lock with a FIFO waiter queue,
// lock timeouts, downgrade, and reentrancy for the thread holding it exclusively.
package syncobj

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type LockType int

const (
	None LockType = iota
	Shared
	Exclusive
)

var (
	ErrLockTimeout = errors.New("syncobj: lock timeout")
	ErrDeadlock    = errors.New("syncobj: deadlock")
)

func (lt LockType) String() string {
	switch lt {
	case None:
		return "none"
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	}
	return fmt.Sprintf("locktype(%d)", int(lt))
}

// Thread is the identity of an execution context. A Thread must be used by only one
// goroutine at a time.
type Thread struct {
	name string

	// A Thread can wait on only one SyncObject at a time; next links the queue of waiters.
	next     *Thread
	waitCh   chan struct{}
	waitType LockType
	granted  bool
}

func NewThread(name string) *Thread {
	return &Thread{
		name:   name,
		waitCh: make(chan struct{}, 1),
	}
}

func (thrd *Thread) String() string {
	if thrd == nil {
		return "<none>"
	}
	return thrd.name
}

type SyncObject struct {
	name  string
	mutex sync.Mutex

	// state = 0: available
	// state = -1: held exclusive by exclusive
	// state > 0: number of shared holders
	state     atomic.Int32
	waiters   atomic.Int32
	exclusive atomic.Pointer[Thread]

	// Reentrant acquisitions by the exclusive holder.
	monitorCount atomic.Int32

	firstWaiter *Thread
	lastWaiter  *Thread

	sharedLocks    atomic.Uint64
	exclusiveLocks atomic.Uint64
	waits          atomic.Uint64
	timeouts       atomic.Uint64
}

type Stats struct {
	SharedLocks    uint64
	ExclusiveLocks uint64
	Waits          uint64
	Timeouts       uint64
}

type Waiter struct {
	Thread string
	Type   LockType
}

func NewSyncObject(name string) *SyncObject {
	return &SyncObject{name: name}
}

func (so *SyncObject) Name() string {
	return so.name
}

// Lock acquires so for thrd. A timeout of zero waits forever; otherwise ErrLockTimeout is
// returned once timeout has passed without the lock being granted.
func (so *SyncObject) Lock(thrd *Thread, lt LockType, timeout time.Duration) error {
	if thrd != nil && so.exclusive.Load() == thrd {
		so.monitorCount.Inc()
		return nil
	}

	if lt == Shared {
		for so.waiters.Load() == 0 {
			st := so.state.Load()
			if st < 0 {
				break
			}
			if so.state.CompareAndSwap(st, st+1) {
				so.sharedLocks.Inc()
				return nil
			}
		}
	} else if lt == Exclusive {
		if so.waiters.Load() == 0 && so.state.CompareAndSwap(0, -1) {
			so.exclusive.Store(thrd)
			so.exclusiveLocks.Inc()
			return nil
		}
	} else {
		panic(fmt.Sprintf("syncobj: %s: lock with %s", so.name, lt))
	}

	return so.wait(thrd, lt, timeout)
}

// TryLock acquires so only if it is available without waiting; it never queues behind
// other threads.
func (so *SyncObject) TryLock(thrd *Thread, lt LockType) bool {
	if thrd != nil && so.exclusive.Load() == thrd {
		so.monitorCount.Inc()
		return true
	}
	if so.waiters.Load() > 0 {
		return false
	}

	switch lt {
	case Shared:
		for {
			st := so.state.Load()
			if st < 0 || so.waiters.Load() > 0 {
				return false
			}
			if so.state.CompareAndSwap(st, st+1) {
				so.sharedLocks.Inc()
				return true
			}
		}
	case Exclusive:
		if !so.state.CompareAndSwap(0, -1) {
			return false
		}
		so.exclusive.Store(thrd)
		so.exclusiveLocks.Inc()
		return true
	default:
		panic(fmt.Sprintf("syncobj: %s: try lock with %s", so.name, lt))
	}
}

func (so *SyncObject) wait(thrd *Thread, lt LockType, timeout time.Duration) error {
	so.mutex.Lock()
	for w := so.firstWaiter; w != nil; w = w.next {
		if w == thrd {
			so.mutex.Unlock()
			return errors.Wrapf(ErrDeadlock, "syncobj: %s: thread %s waiting on itself", so.name,
				thrd)
		}
	}

	thrd.next = nil
	thrd.waitType = lt
	thrd.granted = false
	if so.lastWaiter != nil {
		so.lastWaiter.next = thrd
	} else {
		so.firstWaiter = thrd
	}
	so.lastWaiter = thrd
	so.waiters.Inc()
	so.waits.Inc()

	so.grantLocked()
	so.mutex.Unlock()

	if timeout <= 0 {
		<-thrd.waitCh
		return nil
	}

	timer := time.NewTimer(timeout)
	select {
	case <-thrd.waitCh:
		timer.Stop()
		return nil
	case <-timer.C:
	}

	so.mutex.Lock()
	if thrd.granted {
		// Granted after the timer fired; keep the lock.
		so.mutex.Unlock()
		<-thrd.waitCh
		return nil
	}

	so.removeLocked(thrd)
	so.waiters.Dec()
	so.grantLocked()
	so.mutex.Unlock()

	so.timeouts.Inc()
	log.WithFields(log.Fields{
		"syncobj": so.name,
		"thread":  thrd.name,
		"type":    lt,
		"timeout": timeout,
	}).Debug("syncobj: lock timeout")
	return ErrLockTimeout
}

func (so *SyncObject) removeLocked(thrd *Thread) {
	var prev *Thread
	for w := so.firstWaiter; w != nil; w = w.next {
		if w == thrd {
			if prev == nil {
				so.firstWaiter = w.next
			} else {
				prev.next = w.next
			}
			if so.lastWaiter == w {
				so.lastWaiter = prev
			}
			w.next = nil
			return
		}
		prev = w
	}
	panic(fmt.Sprintf("syncobj: %s: thread %s not waiting", so.name, thrd))
}

// grantLocked grants the lock to waiters at the head of the queue: a run of shared waiters,
// or a single exclusive waiter when so is available. so.mutex must be held.
func (so *SyncObject) grantLocked() {
	for thrd := so.firstWaiter; thrd != nil; thrd = so.firstWaiter {
		if thrd.waitType == Shared {
			st := so.state.Load()
			if st < 0 {
				return
			}
			if !so.state.CompareAndSwap(st, st+1) {
				continue
			}
			so.sharedLocks.Inc()
		} else {
			if !so.state.CompareAndSwap(0, -1) {
				return
			}
			so.exclusive.Store(thrd)
			so.exclusiveLocks.Inc()
		}

		so.firstWaiter = thrd.next
		if so.firstWaiter == nil {
			so.lastWaiter = nil
		}
		thrd.next = nil
		so.waiters.Dec()
		thrd.granted = true
		thrd.waitCh <- struct{}{}
	}
}

func (so *SyncObject) Unlock(thrd *Thread, lt LockType) {
	if so.state.Load() < 0 {
		if so.exclusive.Load() != thrd {
			panic(errors.Errorf("syncobj: %s: unlock by %s; held by %s", so.name, thrd,
				so.exclusive.Load()))
		}
		if so.monitorCount.Load() > 0 {
			so.monitorCount.Dec()
			return
		}
		so.exclusive.Store(nil)
		so.state.Store(0)
	} else {
		if lt == Exclusive {
			panic(errors.Errorf("syncobj: %s: exclusive unlock of shared lock", so.name))
		}
		for {
			st := so.state.Load()
			if st <= 0 {
				panic(errors.Errorf("syncobj: %s: unlock of available lock", so.name))
			}
			if so.state.CompareAndSwap(st, st-1) {
				break
			}
		}
	}

	if so.waiters.Load() > 0 {
		so.mutex.Lock()
		so.grantLocked()
		so.mutex.Unlock()
	}
}

// Downgrade converts an exclusive lock held by thrd into a shared lock.
func (so *SyncObject) Downgrade(thrd *Thread) {
	if so.exclusive.Load() != thrd || so.state.Load() != -1 {
		panic(errors.Errorf("syncobj: %s: downgrade by %s; held by %s", so.name, thrd,
			so.exclusive.Load()))
	}
	if so.monitorCount.Load() != 0 {
		panic(errors.Errorf("syncobj: %s: downgrade of reentrant lock", so.name))
	}

	so.exclusive.Store(nil)
	so.state.Store(1)

	if so.waiters.Load() > 0 {
		so.mutex.Lock()
		so.grantLocked()
		so.mutex.Unlock()
	}
}

// State returns the current lock type and the number of holders.
func (so *SyncObject) State() (LockType, int) {
	st := so.state.Load()
	if st < 0 {
		return Exclusive, int(so.monitorCount.Load()) + 1
	} else if st > 0 {
		return Shared, int(st)
	}
	return None, 0
}

func (so *SyncObject) Holder() *Thread {
	return so.exclusive.Load()
}

func (so *SyncObject) Waiters() []Waiter {
	so.mutex.Lock()
	defer so.mutex.Unlock()

	var waiters []Waiter
	for w := so.firstWaiter; w != nil; w = w.next {
		waiters = append(waiters, Waiter{Thread: w.name, Type: w.waitType})
	}
	return waiters
}

func (so *SyncObject) Stats() Stats {
	return Stats{
		SharedLocks:    so.sharedLocks.Load(),
		ExclusiveLocks: so.exclusiveLocks.Load(),
		Waits:          so.waits.Load(),
		Timeouts:       so.timeouts.Load(),
	}
}
