package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/falcon/storage/syncobj"
)

// RelativeState classifies a version by its writer as seen from a transaction.
type RelativeState int

const (
	CommittedVisible RelativeState = iota
	CommittedInvisible
	Us
	Pending
	WasActive
	Deadlock
	Aborted
)

func (rs RelativeState) String() string {
	switch rs {
	case CommittedVisible:
		return "committed-visible"
	case CommittedInvisible:
		return "committed-invisible"
	case Us:
		return "us"
	case Pending:
		return "active"
	case WasActive:
		return "was-active"
	case Deadlock:
		return "deadlock"
	case Aborted:
		return "rolled-back"
	}
	return fmt.Sprintf("relative(%d)", int(rs))
}

// Visible reports whether a commit at commitSeq is part of what tx sees.
func (tx *Transaction) Visible(commitSeq uint64) bool {
	if tx.isolation == ReadCommitted {
		return true
	}
	return commitSeq <= tx.startSeq
}

// RelativeState classifies a version written by writer; writer is nil once the version has
// matured, and commitSeq is then the sequence it was committed at.
func (tx *Transaction) RelativeState(writer *Transaction, commitSeq uint64) RelativeState {
	if writer == nil {
		if tx.Visible(commitSeq) {
			return CommittedVisible
		}
		return CommittedInvisible
	}
	if writer == tx {
		return Us
	}

	switch writer.State() {
	case Committed:
		if tx.Visible(writer.CommitSeq()) {
			return CommittedVisible
		}
		return CommittedInvisible
	case RolledBack:
		return Aborted
	}
	return Pending
}

// WaitFor blocks until other has committed or rolled back and returns WasActive. If other
// is already waiting, directly or indirectly, on tx, it returns Deadlock and ErrDeadlock
// without waiting.
func (tx *Transaction) WaitFor(ctx context.Context, other *Transaction) (RelativeState, error) {
	if other == tx {
		return Us, nil
	}

	ts := tx.ts
	ts.mutex.Lock()
	if _, ok := ts.active[other]; !ok {
		ts.mutex.Unlock()
		return WasActive, nil
	}
	for t := other; t != nil; t = ts.waitingFor[t] {
		if t == tx {
			ts.mutex.Unlock()
			ts.deadlocks.Inc()
			log.WithFields(log.Fields{
				"transaction": tx.String(),
				"waiting-for": other.String(),
			}).Debug("transaction deadlock")
			return Deadlock, errors.Wrapf(ErrDeadlock, "%s waiting for %s", tx, other)
		}
	}
	ts.waitingFor[tx] = other
	ts.mutex.Unlock()

	defer func() {
		ts.mutex.Lock()
		delete(ts.waitingFor, tx)
		ts.mutex.Unlock()
	}()

	var timeout <-chan time.Time
	if ts.cfg.LockTimeout > 0 {
		timer := time.NewTimer(ts.cfg.LockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-other.done:
		return WasActive, nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	case <-timeout:
		log.WithFields(log.Fields{
			"transaction": tx.String(),
			"waiting-for": other.String(),
		}).Debug("transaction wait timeout")
		return Pending, errors.Wrapf(syncobj.ErrLockTimeout, "%s waiting for %s", tx, other)
	}
}
