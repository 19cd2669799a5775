package falcon_test

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/falcon"
	"github.com/leftmike/falcon/storage/service"
	"github.com/leftmike/falcon/testutil"
)

var (
	accountColumns = []sql.Column{
		{Name: "id", Type: sql.IntegerType, NotNull: true},
		{Name: "name", Type: sql.StringType},
		{Name: "balance", Type: sql.IntegerType, Default: sql.Int64Value(0)},
	}
)

func TestMain(m *testing.M) {
	flag.Parse()
	testutil.SetupLogger(filepath.Join("testdata", "falcon.log"))
	os.Exit(m.Run())
}

func openEngine(t *testing.T, cfg falcon.Config) *falcon.Engine {
	t.Helper()

	eng, err := falcon.Open(cfg)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	return eng
}

func closeEngine(t *testing.T, eng *falcon.Engine) {
	t.Helper()

	err := eng.Validate()
	if err != nil {
		t.Errorf("Validate() failed with %s", err)
	}
	err = eng.Close()
	if err != nil {
		t.Errorf("Close() failed with %s", err)
	}
}

func createAccounts(t *testing.T, eng *falcon.Engine) *falcon.Table {
	t.Helper()

	tbl, err := eng.CreateTable("accounts", accountColumns, nil)
	if err != nil {
		t.Fatalf("CreateTable(accounts) failed with %s", err)
	}
	err = eng.CreateIndex("accounts", "id", true, []sql.ColumnKey{sql.MakeColumnKey(0, false)})
	if err != nil {
		t.Fatalf("CreateIndex(accounts, id) failed with %s", err)
	}
	return tbl
}

func insertRow(t *testing.T, tbl *falcon.Table, tx *service.Transaction,
	vals ...sql.Value) uint32 {

	t.Helper()

	recNum, err := tbl.Insert(context.Background(), tx, vals)
	if err != nil {
		t.Fatalf("Insert(%v) failed with %s", vals, err)
	}
	return recNum
}

func commit(t *testing.T, tx *service.Transaction) {
	t.Helper()

	err := tx.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit(%s) failed with %s", tx, err)
	}
}

func checkRow(t *testing.T, tbl *falcon.Table, tx *service.Transaction, recNum uint32,
	want []sql.Value) {

	t.Helper()

	row, err := tbl.Fetch(context.Background(), tx, recNum)
	if want == nil {
		if !errors.Is(err, falcon.ErrNotFound) {
			t.Errorf("Fetch(%d) got %v, %v want ErrNotFound", recNum, row, err)
		}
		return
	}
	if err != nil {
		t.Errorf("Fetch(%d) failed with %s", recNum, err)
	} else if !testutil.DeepEqual(row, want) {
		t.Errorf("Fetch(%d) got %v want %v", recNum, row, want)
	}
}

func TestInsertFetch(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	r1 := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"))
	r2 := insertRow(t, tbl, tx, sql.Int64Value(2), sql.StringValue("bob"), sql.Int64Value(50))
	if r1 == r2 {
		t.Errorf("Insert() got the same record number %d twice", r1)
	}
	checkRow(t, tbl, tx, r1, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(0)})

	other := eng.Begin(service.ReadCommitted)
	checkRow(t, tbl, other, r1, nil)
	commit(t, tx)
	checkRow(t, tbl, other, r2, []sql.Value{sql.Int64Value(2), sql.StringValue("bob"),
		sql.Int64Value(50)})

	_, err := tbl.Insert(ctx, other, []sql.Value{nil, sql.StringValue("carol")})
	if err == nil {
		t.Errorf("Insert(NULL id) did not fail")
	}

	var names []string
	err = tbl.Scan(ctx, other,
		func(recNum uint32, row []sql.Value) error {
			names = append(names, string(row[1].(sql.StringValue)))
			return nil
		})
	if err != nil {
		t.Errorf("Scan() failed with %s", err)
	} else if !testutil.DeepEqual(names, []string{"alice", "bob"}) {
		t.Errorf("Scan() got %v want [alice bob]", names)
	}

	var ids []sql.Value
	err = tbl.ScanIndex(ctx, other, "id", []sql.Value{sql.Int64Value(2)}, nil, false,
		func(recNum uint32, row []sql.Value) error {
			ids = append(ids, row[0])
			return nil
		})
	if err != nil {
		t.Errorf("ScanIndex() failed with %s", err)
	} else if !testutil.DeepEqual(ids, []sql.Value{sql.Int64Value(2)}) {
		t.Errorf("ScanIndex() got %v want [2]", ids)
	}
	commit(t, other)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(100))
	commit(t, tx)

	rr := eng.Begin(service.RepeatableRead)
	rc := eng.Begin(service.ReadCommitted)
	checkRow(t, tbl, rr, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(100)})

	tx = eng.Begin(service.RepeatableRead)
	err := tbl.Update(ctx, tx, recNum, map[int]sql.Value{2: sql.Int64Value(200)})
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	commit(t, tx)

	checkRow(t, tbl, rr, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(100)})
	checkRow(t, tbl, rc, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(200)})
	commit(t, rr)
	commit(t, rc)

	tx = eng.Begin(service.RepeatableRead)
	checkRow(t, tbl, tx, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(200)})
	commit(t, tx)
}

func TestUniqueInsert(t *testing.T) {
	for _, commitFirst := range []bool{true, false} {
		ctx := context.Background()
		eng := openEngine(t, falcon.Config{})
		tbl := createAccounts(t, eng)

		tx1 := eng.Begin(service.RepeatableRead)
		insertRow(t, tbl, tx1, sql.Int64Value(7), sql.StringValue("first"))

		tx2 := eng.Begin(service.RepeatableRead)
		var wg sync.WaitGroup
		var recNum uint32
		var err error
		wg.Add(1)
		go func() {
			defer wg.Done()
			recNum, err = tbl.Insert(ctx, tx2, []sql.Value{sql.Int64Value(7),
				sql.StringValue("second")})
		}()

		time.Sleep(50 * time.Millisecond)
		if commitFirst {
			commit(t, tx1)
		} else {
			tx1.Rollback()
		}
		wg.Wait()

		if commitFirst {
			if !errors.Is(err, falcon.ErrUniqueDuplicate) {
				t.Errorf("Insert(duplicate) got %v want ErrUniqueDuplicate", err)
			}
			tx2.Rollback()
		} else {
			if err != nil {
				t.Fatalf("Insert() after rollback failed with %s", err)
			}
			commit(t, tx2)

			tx := eng.Begin(service.RepeatableRead)
			checkRow(t, tbl, tx, recNum, []sql.Value{sql.Int64Value(7),
				sql.StringValue("second"), sql.Int64Value(0)})
			commit(t, tx)
		}
		closeEngine(t, eng)
	}
}

func TestUniqueUpdate(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	r1 := insertRow(t, tbl, tx, sql.Int64Value(1))
	r2 := insertRow(t, tbl, tx, sql.Int64Value(2))
	commit(t, tx)

	tx = eng.Begin(service.RepeatableRead)
	err := tbl.Update(ctx, tx, r2, map[int]sql.Value{0: sql.Int64Value(1)})
	if !errors.Is(err, falcon.ErrUniqueDuplicate) {
		t.Errorf("Update(duplicate) got %v want ErrUniqueDuplicate", err)
	}

	// Moving a key away frees it for another row in the same transaction.
	err = tbl.Update(ctx, tx, r1, map[int]sql.Value{0: sql.Int64Value(10)})
	if err != nil {
		t.Fatalf("Update(r1) failed with %s", err)
	}
	err = tbl.Update(ctx, tx, r2, map[int]sql.Value{0: sql.Int64Value(1)})
	if err != nil {
		t.Fatalf("Update(r2) failed with %s", err)
	}
	commit(t, tx)

	tx = eng.Begin(service.RepeatableRead)
	checkRow(t, tbl, tx, r1, []sql.Value{sql.Int64Value(10), nil, sql.Int64Value(0)})
	checkRow(t, tbl, tx, r2, []sql.Value{sql.Int64Value(1), nil, sql.Int64Value(0)})
	commit(t, tx)
}

func TestUpdateConflict(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"))
	commit(t, tx)

	rr := eng.Begin(service.RepeatableRead)
	rc := eng.Begin(service.ReadCommitted)

	tx = eng.Begin(service.RepeatableRead)
	err := tbl.Update(ctx, tx, recNum, map[int]sql.Value{2: sql.Int64Value(10)})
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	commit(t, tx)

	err = tbl.Update(ctx, rr, recNum, map[int]sql.Value{2: sql.Int64Value(20)})
	if !errors.Is(err, falcon.ErrUpdateConflict) {
		t.Errorf("Update(repeatable read) got %v want ErrUpdateConflict", err)
	}
	rr.Rollback()

	err = tbl.Update(ctx, rc, recNum, map[int]sql.Value{1: sql.StringValue("alicia")})
	if err != nil {
		t.Errorf("Update(read committed) failed with %s", err)
	}
	checkRow(t, tbl, rc, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alicia"),
		sql.Int64Value(10)})
	commit(t, rc)
}

func TestUpdateWait(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1))
	commit(t, tx)

	tx1 := eng.Begin(service.ReadCommitted)
	tx2 := eng.Begin(service.ReadCommitted)
	err := tbl.Update(ctx, tx1, recNum, map[int]sql.Value{2: sql.Int64Value(1)})
	if err != nil {
		t.Fatalf("Update(tx1) failed with %s", err)
	}

	done := make(chan error)
	go func() {
		done <- tbl.Update(ctx, tx2, recNum, map[int]sql.Value{1: sql.StringValue("two")})
	}()

	select {
	case err = <-done:
		t.Fatalf("Update(tx2) did not wait: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	commit(t, tx1)
	err = <-done
	if err != nil {
		t.Fatalf("Update(tx2) failed with %s", err)
	}
	commit(t, tx2)

	tx = eng.Begin(service.RepeatableRead)
	checkRow(t, tbl, tx, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("two"),
		sql.Int64Value(1)})
	commit(t, tx)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	r1 := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"))
	commit(t, tx)

	tx = eng.Begin(service.RepeatableRead)
	r2 := insertRow(t, tbl, tx, sql.Int64Value(2), sql.StringValue("bob"))
	err := tbl.Update(ctx, tx, r1, map[int]sql.Value{1: sql.StringValue("alicia")})
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	err = tbl.Delete(ctx, tx, r1)
	if err != nil {
		t.Fatalf("Delete() failed with %s", err)
	}
	checkRow(t, tbl, tx, r1, nil)
	err = tx.Rollback()
	if err != nil {
		t.Fatalf("Rollback() failed with %s", err)
	}

	tx = eng.Begin(service.RepeatableRead)
	checkRow(t, tbl, tx, r1, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(0)})
	checkRow(t, tbl, tx, r2, nil)

	// The key of the rolled back insert is available again.
	insertRow(t, tbl, tx, sql.Int64Value(2), sql.StringValue("bob"))
	commit(t, tx)

	if vers := tbl.Versions(r1); len(vers) != 1 {
		t.Errorf("Versions(%d) got %d versions want 1", r1, len(vers))
	}
}

func TestSavepoints(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("v1"))
	commit(t, tx)

	tx = eng.Begin(service.RepeatableRead)
	err := tbl.Update(ctx, tx, recNum, map[int]sql.Value{1: sql.StringValue("v2")})
	if err != nil {
		t.Fatalf("Update(v2) failed with %s", err)
	}
	err = tbl.Update(ctx, tx, recNum, map[int]sql.Value{1: sql.StringValue("v3")})
	if err != nil {
		t.Fatalf("Update(v3) failed with %s", err)
	}
	if vers := tbl.Versions(recNum); len(vers) != 2 {
		t.Errorf("Versions() got %d versions want 2 after updates at one savepoint",
			len(vers))
	}

	sp, err := tx.SetSavepoint()
	if err != nil {
		t.Fatalf("SetSavepoint() failed with %s", err)
	}
	err = tbl.Update(ctx, tx, recNum, map[int]sql.Value{1: sql.StringValue("v4")})
	if err != nil {
		t.Fatalf("Update(v4) failed with %s", err)
	}
	r2 := insertRow(t, tbl, tx, sql.Int64Value(2), sql.StringValue("new"))
	if vers := tbl.Versions(recNum); len(vers) != 3 {
		t.Errorf("Versions() got %d versions want 3 after savepoint", len(vers))
	}

	err = tx.RollbackSavepoint(sp)
	if err != nil {
		t.Fatalf("RollbackSavepoint() failed with %s", err)
	}
	checkRow(t, tbl, tx, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("v3"),
		sql.Int64Value(0)})
	checkRow(t, tbl, tx, r2, nil)

	err = tbl.Update(ctx, tx, recNum, map[int]sql.Value{1: sql.StringValue("v5")})
	if err != nil {
		t.Fatalf("Update(v5) failed with %s", err)
	}
	err = tx.ReleaseSavepoint(sp)
	if err != nil {
		t.Fatalf("ReleaseSavepoint() failed with %s", err)
	}
	commit(t, tx)

	tx = eng.Begin(service.RepeatableRead)
	checkRow(t, tbl, tx, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("v5"),
		sql.Int64Value(0)})
	commit(t, tx)
}

func TestLockRecord(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{LockTimeout: 50 * time.Millisecond})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	recNum := insertRow(t, tbl, tx, sql.Int64Value(1), sql.StringValue("alice"))
	commit(t, tx)

	tx1 := eng.Begin(service.ReadCommitted)
	row, err := tbl.FetchForUpdate(ctx, tx1, recNum)
	if err != nil {
		t.Fatalf("FetchForUpdate() failed with %s", err)
	} else if !testutil.DeepEqual(row, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(0)}) {

		t.Errorf("FetchForUpdate() got %v", row)
	}
	err = tbl.LockRecord(ctx, tx1, recNum)
	if err != nil {
		t.Errorf("LockRecord(again) failed with %s", err)
	}

	tx2 := eng.Begin(service.ReadCommitted)
	err = tbl.Update(ctx, tx2, recNum, map[int]sql.Value{2: sql.Int64Value(5)})
	if !errors.Is(err, falcon.ErrLockTimeout) {
		t.Errorf("Update(locked) got %v want ErrLockTimeout", err)
	}
	checkRow(t, tbl, tx2, recNum, []sql.Value{sql.Int64Value(1), sql.StringValue("alice"),
		sql.Int64Value(0)})

	err = tbl.UnlockRecord(ctx, tx2, recNum)
	if !errors.Is(err, falcon.ErrNotLocked) {
		t.Errorf("UnlockRecord(not locked) got %v want ErrNotLocked", err)
	}
	err = tbl.UnlockRecord(ctx, tx1, recNum)
	if err != nil {
		t.Fatalf("UnlockRecord() failed with %s", err)
	}
	err = tbl.Update(ctx, tx2, recNum, map[int]sql.Value{2: sql.Int64Value(5)})
	if err != nil {
		t.Errorf("Update(unlocked) failed with %s", err)
	}
	commit(t, tx2)

	tx = eng.Begin(service.ReadCommitted)
	err = tbl.LockRecord(ctx, tx, recNum)
	if err != nil {
		t.Fatalf("LockRecord() failed with %s", err)
	}
	commit(t, tx)
	for _, vi := range tbl.Versions(recNum) {
		if vi.State == "lock" {
			t.Errorf("Versions() has a lock version after commit")
		}
	}
	commit(t, tx1)
}

func TestDeadlock(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	tx := eng.Begin(service.RepeatableRead)
	r1 := insertRow(t, tbl, tx, sql.Int64Value(1))
	r2 := insertRow(t, tbl, tx, sql.Int64Value(2))
	commit(t, tx)

	tx1 := eng.Begin(service.ReadCommitted)
	tx2 := eng.Begin(service.ReadCommitted)
	if err := tbl.LockRecord(ctx, tx1, r1); err != nil {
		t.Fatalf("LockRecord(tx1, r1) failed with %s", err)
	}
	if err := tbl.LockRecord(ctx, tx2, r2); err != nil {
		t.Fatalf("LockRecord(tx2, r2) failed with %s", err)
	}

	done := make(chan error)
	go func() {
		done <- tbl.LockRecord(ctx, tx1, r2)
	}()
	time.Sleep(50 * time.Millisecond)

	err := tbl.LockRecord(ctx, tx2, r1)
	if !errors.Is(err, falcon.ErrDeadlock) {
		t.Errorf("LockRecord(tx2, r1) got %v want ErrDeadlock", err)
	}
	tx2.Rollback()

	err = <-done
	if err != nil {
		t.Errorf("LockRecord(tx1, r2) failed with %s", err)
	}
	commit(t, tx1)

	if st := eng.TransactionService().Stats(); st.Deadlocks != 1 {
		t.Errorf("Stats().Deadlocks got %d want 1", st.Deadlocks)
	}
}

func TestDropTable(t *testing.T) {
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)

	_, err := eng.CreateTable("accounts", accountColumns, nil)
	if !errors.Is(err, falcon.ErrTableExists) {
		t.Errorf("CreateTable(accounts) got %v want ErrTableExists", err)
	}
	err = eng.CreateIndex("accounts", "id", false, []sql.ColumnKey{sql.MakeColumnKey(1, false)})
	if !errors.Is(err, falcon.ErrIndexExists) {
		t.Errorf("CreateIndex(id) got %v want ErrIndexExists", err)
	}

	tx := eng.Begin(service.RepeatableRead)
	insertRow(t, tbl, tx, sql.Int64Value(1))
	commit(t, tx)

	tx = eng.Begin(service.RepeatableRead)
	insertRow(t, tbl, tx, sql.Int64Value(2))

	err = eng.DropTable("accounts")
	if err != nil {
		t.Fatalf("DropTable() failed with %s", err)
	}
	tx.Rollback()

	_, err = eng.LookupTable("accounts")
	if !errors.Is(err, falcon.ErrNoTable) {
		t.Errorf("LookupTable(accounts) got %v want ErrNoTable", err)
	}
	tx = eng.Begin(service.RepeatableRead)
	_, err = tbl.Insert(context.Background(), tx, []sql.Value{sql.Int64Value(3)})
	if !errors.Is(err, falcon.ErrNoTable) {
		t.Errorf("Insert(dropped) got %v want ErrNoTable", err)
	}
	commit(t, tx)

	if names := eng.Tables(); len(names) != 0 {
		t.Errorf("Tables() got %v want none", names)
	}
}

func TestScanIndexRange(t *testing.T) {
	ctx := context.Background()
	eng := openEngine(t, falcon.Config{})
	defer closeEngine(t, eng)
	tbl := createAccounts(t, eng)
	key := []sql.ColumnKey{sql.MakeColumnKey(2, false), sql.MakeColumnKey(0, false)}
	err := eng.CreateIndex("accounts", "balance", false, key[:1])
	if err != nil {
		t.Fatalf("CreateIndex(accounts, balance) failed with %s", err)
	}

	tx := eng.Begin(service.RepeatableRead)
	var recNums []uint32
	for id, balance := range []int64{50, 10, 30, 10, 40, 20} {
		recNums = append(recNums, insertRow(t, tbl, tx, sql.Int64Value(id+1), nil,
			sql.Int64Value(balance)))
	}
	commit(t, tx)

	scan := func(tx *service.Transaction, low, high int64, exclusive bool) []int64 {
		t.Helper()

		var rows [][]sql.Value
		err := tbl.ScanIndex(ctx, tx, "balance", []sql.Value{sql.Int64Value(low)},
			[]sql.Value{sql.Int64Value(high)}, exclusive,
			func(recNum uint32, row []sql.Value) error {
				rows = append(rows, row)
				return nil
			})
		if err != nil {
			t.Fatalf("ScanIndex(%d, %d) failed with %s", low, high, err)
		}
		testutil.SortValues(key, rows)
		var ids []int64
		for _, row := range rows {
			ids = append(ids, int64(row[0].(sql.Int64Value)))
		}
		return ids
	}

	tx = eng.Begin(service.RepeatableRead)
	if ids := scan(tx, 20, 40, false); !testutil.DeepEqual(ids, []int64{6, 3, 5}) {
		t.Errorf("ScanIndex(20, 40) got %v want [6 3 5]", ids)
	}
	if ids := scan(tx, 20, 40, true); !testutil.DeepEqual(ids, []int64{6, 3}) {
		t.Errorf("ScanIndex(20, 40, exclusive) got %v want [6 3]", ids)
	}
	if ids := scan(tx, 10, 10, false); !testutil.DeepEqual(ids, []int64{2, 4}) {
		t.Errorf("ScanIndex(10, 10) got %v want [2 4]", ids)
	}

	err = tbl.Update(ctx, tx, recNums[1], map[int]sql.Value{2: sql.Int64Value(35)})
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	if ids := scan(tx, 20, 40, false); !testutil.DeepEqual(ids, []int64{6, 3, 2, 5}) {
		t.Errorf("ScanIndex(20, 40) after update got %v want [6 3 2 5]", ids)
	}
	if ids := scan(tx, 10, 10, false); !testutil.DeepEqual(ids, []int64{4}) {
		t.Errorf("ScanIndex(10, 10) after update got %v want [4]", ids)
	}

	other := eng.Begin(service.RepeatableRead)
	if ids := scan(other, 10, 10, false); !testutil.DeepEqual(ids, []int64{2, 4}) {
		t.Errorf("ScanIndex(10, 10) in other transaction got %v want [2 4]", ids)
	}
	commit(t, other)
	commit(t, tx)
}
