package falcon

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/service"
)

type TriggerEvent int

const (
	PreInsert TriggerEvent = 1 << iota
	PostInsert
	PreUpdate
	PostUpdate
	PreDelete
	PostDelete
	PostCommit
)

var triggerEventNames = []string{
	"pre-insert",
	"post-insert",
	"pre-update",
	"post-update",
	"pre-delete",
	"post-delete",
	"post-commit",
}

func (te TriggerEvent) String() string {
	var names []string
	for bit, name := range triggerEventNames {
		if te&(1<<bit) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("trigger-event(%d)", int(te))
	}
	return strings.Join(names, "|")
}

// Trigger is called around changes to the rows of a table. before is nil for inserts and
// after is nil for deletes; pre triggers may change after. An error from any trigger except
// a post commit trigger fails the change.
type Trigger interface {
	Fire(ctx context.Context, tx *service.Transaction, ev TriggerEvent, tbl *Table,
		recNum uint32, before, after []sql.Value) error
}

type TriggerFunc func(ctx context.Context, tx *service.Transaction, ev TriggerEvent,
	tbl *Table, recNum uint32, before, after []sql.Value) error

func (tf TriggerFunc) Fire(ctx context.Context, tx *service.Transaction, ev TriggerEvent,
	tbl *Table, recNum uint32, before, after []sql.Value) error {

	return tf(ctx, tx, ev, tbl, recNum, before, after)
}

type trigger struct {
	name   string
	events TriggerEvent
	trig   Trigger
}

func (tbl *Table) allTriggers() []trigger {
	trigs := tbl.triggers.Load()
	if trigs == nil {
		return nil
	}
	return *trigs
}

// AddTrigger adds a trigger for events; triggers fire in the order they were added.
func (tbl *Table) AddTrigger(name string, events TriggerEvent, trig Trigger) error {
	tbl.eng.mutex.Lock()
	defer tbl.eng.mutex.Unlock()

	trigs := tbl.allTriggers()
	for _, t := range trigs {
		if t.name == name {
			return tbl.error(errors.Errorf("trigger %s already exists", name))
		}
	}
	trigs = append(append([]trigger(nil), trigs...),
		trigger{
			name:   name,
			events: events,
			trig:   trig,
		})
	tbl.triggers.Store(&trigs)
	return nil
}

func (tbl *Table) DropTrigger(name string) bool {
	tbl.eng.mutex.Lock()
	defer tbl.eng.mutex.Unlock()

	trigs := tbl.allTriggers()
	for tdx, t := range trigs {
		if t.name == name {
			trigs = append(append([]trigger(nil), trigs[:tdx]...), trigs[tdx+1:]...)
			tbl.triggers.Store(&trigs)
			return true
		}
	}
	return false
}

func (tbl *Table) fireTriggers(ctx context.Context, tx *service.Transaction,
	ev TriggerEvent, recNum uint32, before, after []sql.Value) error {

	for _, t := range tbl.allTriggers() {
		if t.events&ev == 0 {
			continue
		}
		err := t.trig.Fire(ctx, tx, ev, tbl, recNum, before, after)
		if err != nil {
			return tbl.error(errors.Wrapf(err, "trigger %s: %s", t.name, ev))
		}
	}
	return nil
}

// postCommit fires the post commit triggers for r, the final version of a row written by
// tx; before is the row as it was before tx changed it.
func (tbl *Table) postCommit(tx *service.Transaction, r *Record) {
	trigs := tbl.allTriggers()
	fire := false
	for _, t := range trigs {
		if t.events&PostCommit != 0 {
			fire = true
			break
		}
	}
	if !fire {
		return
	}

	var before, after []sql.Value
	var err error
	if r.hasData() {
		after, err = r.row()
	}
	if err == nil {
		v := r.prior.Load()
		for v != nil && (v.tid == r.tid || v.state == lockState) {
			v = v.prior.Load()
		}
		if v != nil && v.hasData() {
			before, err = v.row()
		}
	}
	if err != nil {
		log.WithFields(log.Fields{
			"table":  tbl.name,
			"record": r.recNum,
			"error":  err,
		}).Warn("falcon: post commit trigger")
		return
	}

	err = tbl.fireTriggers(context.Background(), tx, PostCommit, r.recNum, before, after)
	if err != nil {
		log.WithFields(log.Fields{
			"table":       tbl.name,
			"record":      r.recNum,
			"transaction": tx.String(),
			"error":       err,
		}).Warn("falcon: post commit trigger")
	}
}
