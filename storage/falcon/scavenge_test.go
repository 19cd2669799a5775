package falcon_test

import (
	"context"
	"testing"
	"time"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/falcon"
	"github.com/leftmike/falcon/storage/service"
)

func updateBalance(t *testing.T, eng *falcon.Engine, tbl *falcon.Table, recNum uint32,
	balance int64) {

	t.Helper()

	tx := eng.Begin(service.RepeatableRead)
	err := tbl.Update(context.Background(), tx, recNum,
		map[int]sql.Value{2: sql.Int64Value(balance)})
	if err != nil {
		t.Fatalf("Update(%d) failed with %s", balance, err)
	}
	commit(t, tx)
}

func TestScavengePrune(t *testing.T) {
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(1))
	commit(t, tx)
	updateBalance(t, eng, tbl, recNum, 2)
	updateBalance(t, eng, tbl, recNum, 3)

	reader := eng.Begin(service.RepeatableRead)
	updateBalance(t, eng, tbl, recNum, 4)
	updateBalance(t, eng, tbl, recNum, 5)

	if vers := tbl.Versions(recNum); len(vers) != 5 {
		t.Fatalf("Versions() got %d versions want 5", len(vers))
	}
	gen := eng.Stats().Generation

	rs := eng.Scavenger().Force()
	if rs.Pruned != 2 {
		t.Errorf("Force() pruned %d versions want 2", rs.Pruned)
	}
	if rs.Retired != 0 || rs.Expunged != 0 {
		t.Errorf("Force() retired %d and expunged %d want none", rs.Retired, rs.Expunged)
	}
	vers := tbl.Versions(recNum)
	if len(vers) != 3 {
		t.Errorf("Versions() got %d versions want 3", len(vers))
	} else if vers[2].CommitSeq != 3 {
		t.Errorf("Versions()[2].CommitSeq got %d want 3", vers[2].CommitSeq)
	}
	checkRow(t, tbl, reader, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(3)})
	commit(t, reader)

	rs = eng.Scavenger().Force()
	if rs.Pruned != 2 || rs.Retired != 1 {
		t.Errorf("Force() pruned %d and retired %d want 2 and 1", rs.Pruned, rs.Retired)
	}
	if vers := tbl.Versions(recNum); len(vers) != 0 {
		t.Errorf("Versions() got %d versions want 0 after retire", len(vers))
	}

	tx = eng.Begin(service.RepeatableRead)
	checkRow(t, tbl, tx, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(5)})
	commit(t, tx)

	st := eng.Stats()
	if st.Generation != gen+2 {
		t.Errorf("Stats().Generation got %d want %d", st.Generation, gen+2)
	}
	if st.Scavenge.Forced != 2 || st.Scavenge.LastRetired != 1 {
		t.Errorf("Stats().Scavenge got %+v", st.Scavenge)
	}
}

func TestScavengeFloor(t *testing.T) {
	eng := openEngine(t, falcon.Config{RecordScavengeFloor: 1 << 40})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"))
	commit(t, tx)
	updateBalance(t, eng, tbl, recNum, 10)

	// The floor is never reached, so the head stays; older versions are still pruned.
	rs := eng.Scavenger().Force()
	if rs.Pruned != 1 || rs.Retired != 0 {
		t.Errorf("Force() pruned %d and retired %d want 1 and 0", rs.Pruned, rs.Retired)
	}
	if vers := tbl.Versions(recNum); len(vers) != 1 {
		t.Errorf("Versions() got %d versions want 1", len(vers))
	}
}

func TestScavengeExpunge(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	r1 := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"))
	r2 := insertRow(t, tbl, tx, sql.Int64Value(2), sql.StringValue("bob"))
	commit(t, tx)

	tx = eng.Begin(service.RepeatableRead)
	err := tbl.Delete(ctx, tx, r1)
	if err != nil {
		t.Fatalf("Delete() failed with %s", err)
	}
	commit(t, tx)

	rs := eng.Scavenger().Force()
	if rs.Expunged != 1 {
		t.Errorf("Force() expunged %d rows want 1", rs.Expunged)
	}
	if rs.Retired != 1 {
		t.Errorf("Force() retired %d rows want 1", rs.Retired)
	}

	tx = eng.Begin(service.RepeatableRead)
	found := 0
	err = tbl.ScanIndex(ctx, tx, "id", nil, nil, false,
		func(recNum uint32, row []sql.Value) error {
			found += 1
			return nil
		})
	if err != nil {
		t.Errorf("ScanIndex() failed with %s", err)
	} else if found != 1 {
		t.Errorf("ScanIndex() found %d rows want 1", found)
	}

	st := eng.Stats()
	for _, ts := range st.Tables {
		if ts.Name != "accounts" {
			continue
		}
		if len(ts.Indexes) != 1 || ts.Indexes[0].Entries != 1 {
			t.Errorf("Stats() indexes got %+v want one entry", ts.Indexes)
		}
	}

	// The record number of the expunged row is free again.
	r3 := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("carol"))
	if r3 != r1 {
		t.Errorf("Insert() got record %d want %d", r3, r1)
	}
	checkRow(t, tbl, tx, r2, []sql.Value{sql.Int64Value(2), sql.StringValue("bob"),
		sql.Int64Value(0)})
	commit(t, tx)
}

func TestScavengeBackground(t *testing.T) {
	eng := openEngine(t, falcon.Config{ScavengeInterval: 10 * time.Millisecond})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1))
	commit(t, tx)
	updateBalance(t, eng, tbl, recNum, 1)

	eng.Scavenger().Start()
	deadline := time.Now().Add(5 * time.Second)
	for eng.Scavenger().Stats().Cycles == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	eng.Scavenger().Stop()

	st := eng.Scavenger().Stats()
	if st.Cycles == 0 {
		t.Fatalf("Stats().Cycles got 0 want at least 1")
	}
	if st.Forced != 0 {
		t.Errorf("Stats().Forced got %d want 0", st.Forced)
	}

	tx = eng.Begin(service.RepeatableRead)
	checkRow(t, tbl, tx, recNum, []sql.Value{sql.Int64Value(1), nil, sql.Int64Value(1)})
	commit(t, tx)
}

func TestScavengeThreshold(t *testing.T) {
	eng := openEngine(t, falcon.Config{RecordScavengeThreshold: 1 << 40})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	insertRow(t, tbl, tx, sql.Int64Value(1))
	commit(t, tx)

	if rs := eng.Scavenger().Scavenge(); rs != nil {
		t.Errorf("Scavenge() under the threshold ran a cycle")
	}
	if st := eng.Scavenger().Stats(); st.Skipped != 1 || st.Cycles != 0 {
		t.Errorf("Stats() got %+v want one skipped cycle", st)
	}
	if rs := eng.Scavenger().Force(); rs == nil {
		t.Errorf("Force() did not run a cycle")
	}
}
