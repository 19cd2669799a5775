package repl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/encode"
	"github.com/leftmike/falcon/storage/falcon"
	"github.com/leftmike/falcon/storage/service"
)

type command struct {
	usage   string
	help    string
	minArgs int
	maxArgs int
	fn      func(ctx context.Context, ses *Session, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"begin": {
			usage:   "[read-committed | repeatable-read | consistent-read]",
			help:    "start a transaction",
			maxArgs: 1,
			fn:      beginCmd,
		},
		"commit": {
			help: "commit the open transaction",
			fn:   commitCmd,
		},
		"rollback": {
			help: "roll back the open transaction",
			fn:   rollbackCmd,
		},
		"savepoint": {
			help: "start a savepoint in the open transaction",
			fn:   savepointCmd,
		},
		"rollback-to": {
			usage:   "<savepoint>",
			help:    "undo the changes made since a savepoint",
			minArgs: 1,
			maxArgs: 1,
			fn:      rollbackToCmd,
		},
		"release": {
			usage:   "<savepoint>",
			help:    "fold a savepoint into the one before it",
			minArgs: 1,
			maxArgs: 1,
			fn:      releaseCmd,
		},
		"isolation": {
			usage:   "<level>",
			help:    "set the isolation of transactions started by this session",
			minArgs: 1,
			maxArgs: 1,
			fn:      isolationCmd,
		},
		"create": {
			usage:   "<table> <column>:<type>[!][=<default>]... [fk:<name>:<column>[,<column>]:<table>.<index>[:<rule>]]...",
			help:    "create a table; ! means NOT NULL and rule is restrict, cascade, or set-null",
			minArgs: 2,
			maxArgs: -1,
			fn:      createCmd,
		},
		"drop": {
			usage:   "<table>",
			help:    "drop a table",
			minArgs: 1,
			maxArgs: 1,
			fn:      dropCmd,
		},
		"index": {
			usage:   "<table> <index> [unique] <column>[-]...",
			help:    "create an index; - orders a column in reverse",
			minArgs: 3,
			maxArgs: -1,
			fn:      indexCmd,
		},
		"tables": {
			help: "list the tables",
			fn:   tablesCmd,
		},
		"insert": {
			usage:   "<table> <value>...",
			help:    "insert a row; NULL or missing values get the column default",
			minArgs: 1,
			maxArgs: -1,
			fn:      insertCmd,
		},
		"update": {
			usage:   "<table> <record> <column>=<value>...",
			help:    "change columns of a row",
			minArgs: 3,
			maxArgs: -1,
			fn:      updateCmd,
		},
		"delete": {
			usage:   "<table> <record>",
			help:    "delete a row",
			minArgs: 2,
			maxArgs: 2,
			fn:      deleteCmd,
		},
		"fetch": {
			usage:   "<table> <record>",
			help:    "print a row",
			minArgs: 2,
			maxArgs: 2,
			fn:      fetchCmd,
		},
		"lock": {
			usage:   "<table> <record>",
			help:    "lock a row for the open transaction",
			minArgs: 2,
			maxArgs: 2,
			fn:      lockCmd,
		},
		"unlock": {
			usage:   "<table> <record>",
			help:    "release a row lock of the open transaction",
			minArgs: 2,
			maxArgs: 2,
			fn:      unlockCmd,
		},
		"scan": {
			usage:   "<table> [<index> [<low> [<high>]]]",
			help:    "print the rows of a table, optionally by index key range; keys are comma separated",
			minArgs: 1,
			maxArgs: 4,
			fn:      scanCmd,
		},
		"versions": {
			usage:   "<table> <record>",
			help:    "print the version chain of a row",
			minArgs: 2,
			maxArgs: 2,
			fn:      versionsCmd,
		},
		"scavenge": {
			usage:   "[force]",
			help:    "run a scavenge cycle",
			maxArgs: 1,
			fn:      scavengeCmd,
		},
		"stats": {
			help: "print memory, transaction, scavenger, and table statistics",
			fn:   statsCmd,
		},
		"locks": {
			help: "list the table, record cache, and index locks",
			fn:   locksCmd,
		},
		"transactions": {
			help: "list the active transactions",
			fn:   transactionsCmd,
		},
		"validate": {
			help: "check memory pools and version chains",
			fn:   validateCmd,
		},
		"help": {
			help: "list the commands",
			fn:   helpCmd,
		},
		"quit": {
			help: "leave the console",
			fn: func(ctx context.Context, ses *Session, args []string) error {
				return errQuit
			},
		},
	}
	commands["exit"] = commands["quit"]
}

func (ses *Session) printTable(header []string, rows [][]string) {
	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader(header)
	tw.AppendBulk(rows)
	tw.Render()
	fmt.Fprintf(ses.w, "(%d rows)\n", len(rows))
}

func formatRow(row []sql.Value) string {
	strs := make([]string, len(row))
	for vdx, v := range row {
		strs[vdx] = sql.Format(v)
	}
	return strings.Join(strs, " ")
}

func parseRecNum(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Errorf("bad record number: %s", s)
	}
	return uint32(n), nil
}

func (ses *Session) lookup(args []string) (*falcon.Table, uint32, error) {
	tbl, err := ses.eng.LookupTable(args[0])
	if err != nil {
		return nil, 0, err
	}
	if len(args) < 2 {
		return tbl, 0, nil
	}
	recNum, err := parseRecNum(args[1])
	if err != nil {
		return nil, 0, err
	}
	return tbl, recNum, nil
}

func (ses *Session) needTx() error {
	if ses.tx == nil {
		return errors.New("no open transaction; use begin")
	}
	return nil
}

func beginCmd(ctx context.Context, ses *Session, args []string) error {
	if ses.tx != nil {
		return errors.Errorf("%s already open", ses.tx)
	}
	iso := ses.isolation
	if len(args) > 0 {
		var ok bool
		iso, ok = service.ParseIsolationLevel(args[0])
		if !ok {
			return errors.Errorf("unknown isolation level: %s", args[0])
		}
	}
	ses.tx = ses.eng.Begin(iso)
	fmt.Fprintf(ses.w, "begin %s\n", iso)
	return nil
}

func commitCmd(ctx context.Context, ses *Session, args []string) error {
	if err := ses.needTx(); err != nil {
		return err
	}
	tx := ses.tx
	ses.tx = nil
	err := tx.Commit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(ses.w, "committed")
	return nil
}

func rollbackCmd(ctx context.Context, ses *Session, args []string) error {
	if err := ses.needTx(); err != nil {
		return err
	}
	tx := ses.tx
	ses.tx = nil
	err := tx.Rollback()
	if err != nil {
		return err
	}
	fmt.Fprintln(ses.w, "rolled back")
	return nil
}

func savepointCmd(ctx context.Context, ses *Session, args []string) error {
	if err := ses.needTx(); err != nil {
		return err
	}
	sp, err := ses.tx.SetSavepoint()
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "savepoint %d\n", sp)
	return nil
}

func parseSavepoint(s string) (int, error) {
	sp, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("bad savepoint: %s", s)
	}
	return sp, nil
}

func rollbackToCmd(ctx context.Context, ses *Session, args []string) error {
	if err := ses.needTx(); err != nil {
		return err
	}
	sp, err := parseSavepoint(args[0])
	if err != nil {
		return err
	}
	err = ses.tx.RollbackSavepoint(sp)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "rolled back to savepoint %d\n", sp)
	return nil
}

func releaseCmd(ctx context.Context, ses *Session, args []string) error {
	if err := ses.needTx(); err != nil {
		return err
	}
	sp, err := parseSavepoint(args[0])
	if err != nil {
		return err
	}
	err = ses.tx.ReleaseSavepoint(sp)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "released savepoint %d\n", sp)
	return nil
}

func isolationCmd(ctx context.Context, ses *Session, args []string) error {
	iso, ok := service.ParseIsolationLevel(args[0])
	if !ok {
		return errors.Errorf("unknown isolation level: %s", args[0])
	}
	ses.isolation = iso
	fmt.Fprintf(ses.w, "isolation %s\n", iso)
	return nil
}

func parseColumn(s string) (sql.Column, error) {
	var col sql.Column
	cdx := strings.IndexByte(s, ':')
	if cdx <= 0 {
		return col, errors.Errorf("bad column: %s", s)
	}
	col.Name = s[:cdx]
	typ := s[cdx+1:]
	var def string
	hasDefault := false
	if ddx := strings.IndexByte(typ, '='); ddx >= 0 {
		def = typ[ddx+1:]
		typ = typ[:ddx]
		hasDefault = true
	}
	if strings.HasSuffix(typ, "!") {
		col.NotNull = true
		typ = typ[:len(typ)-1]
	}
	dt, err := sql.ParseDataType(typ)
	if err != nil {
		return col, err
	}
	col.Type = dt
	if hasDefault {
		col.Default, err = sql.ParseValue(dt, def)
		if err != nil {
			return col, err
		}
	}
	return col, nil
}

func parseDeleteRule(s string) (encode.DeleteRule, error) {
	switch strings.ToLower(s) {
	case "restrict":
		return encode.Restrict, nil
	case "cascade":
		return encode.Cascade, nil
	case "set-null", "setnull":
		return encode.SetNull, nil
	}
	return 0, errors.Errorf("unknown delete rule: %s", s)
}

func parseForeignKey(s string, cols []sql.Column) (encode.ForeignKeyDef, error) {
	var fk encode.ForeignKeyDef
	parts := strings.Split(s, ":")
	if len(parts) < 4 || len(parts) > 5 {
		return fk, errors.Errorf("bad foreign key: %s", s)
	}
	fk.Name = parts[1]
	for _, name := range strings.Split(parts[2], ",") {
		found := false
		for cdx, col := range cols {
			if col.Name == name {
				fk.Columns = append(fk.Columns, cdx)
				found = true
				break
			}
		}
		if !found {
			return fk, errors.Errorf("foreign key %s: no column %s", fk.Name, name)
		}
	}
	ref := strings.SplitN(parts[3], ".", 2)
	if len(ref) != 2 {
		return fk, errors.Errorf("foreign key %s: want <table>.<index>: %s", fk.Name, parts[3])
	}
	fk.RefTable = ref[0]
	fk.RefIndex = ref[1]
	if len(parts) == 5 {
		var err error
		fk.OnDelete, err = parseDeleteRule(parts[4])
		if err != nil {
			return fk, err
		}
	}
	return fk, nil
}

func createCmd(ctx context.Context, ses *Session, args []string) error {
	var cols []sql.Column
	var fkArgs []string
	for _, arg := range args[1:] {
		if strings.HasPrefix(arg, "fk:") {
			fkArgs = append(fkArgs, arg)
			continue
		}
		col, err := parseColumn(arg)
		if err != nil {
			return err
		}
		cols = append(cols, col)
	}

	var fks []encode.ForeignKeyDef
	for _, arg := range fkArgs {
		fk, err := parseForeignKey(arg, cols)
		if err != nil {
			return err
		}
		fks = append(fks, fk)
	}

	_, err := ses.eng.CreateTable(args[0], cols, fks)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "created table %s\n", args[0])
	return nil
}

func dropCmd(ctx context.Context, ses *Session, args []string) error {
	err := ses.eng.DropTable(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "dropped table %s\n", args[0])
	return nil
}

func indexCmd(ctx context.Context, ses *Session, args []string) error {
	tbl, _, err := ses.lookup(args[:1])
	if err != nil {
		return err
	}
	name := args[1]
	args = args[2:]
	unique := false
	if strings.EqualFold(args[0], "unique") {
		unique = true
		args = args[1:]
	}
	if len(args) == 0 {
		return errors.Errorf("index %s: no columns", name)
	}

	var key []sql.ColumnKey
	for _, arg := range args {
		reverse := strings.HasSuffix(arg, "-")
		if reverse {
			arg = arg[:len(arg)-1]
		}
		cdx, ok := tbl.ColumnNumber(arg)
		if !ok {
			return errors.Errorf("table %s: no column %s", tbl.Name(), arg)
		}
		key = append(key, sql.MakeColumnKey(cdx, reverse))
	}

	err = ses.eng.CreateIndex(tbl.Name(), name, unique, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "created index %s on %s\n", name, tbl.Name())
	return nil
}

func tablesCmd(ctx context.Context, ses *Session, args []string) error {
	var rows [][]string
	for _, ts := range ses.eng.Stats().Tables {
		tbl, err := ses.eng.LookupTable(ts.Name)
		if err != nil {
			continue
		}
		cols := make([]string, 0, len(tbl.Columns()))
		for _, col := range tbl.Columns() {
			cols = append(cols, col.String())
		}
		idxs := make([]string, 0, len(ts.Indexes))
		for _, is := range ts.Indexes {
			if is.Unique {
				idxs = append(idxs, is.Name+" (unique)")
			} else {
				idxs = append(idxs, is.Name)
			}
		}
		rows = append(rows, []string{ts.Name, strings.Join(cols, ", "),
			strings.Join(idxs, ", ")})
	}
	ses.printTable([]string{"table", "columns", "indexes"}, rows)
	return nil
}

func parseValues(tbl *falcon.Table, args []string) ([]sql.Value, error) {
	cols := tbl.Columns()
	if len(args) > len(cols) {
		return nil, errors.Errorf("table %s: %d values for %d columns", tbl.Name(), len(args),
			len(cols))
	}
	vals := make([]sql.Value, len(args))
	for adx, arg := range args {
		v, err := sql.ParseValue(cols[adx].Type, arg)
		if err != nil {
			return nil, errors.Wrap(err, cols[adx].Name)
		}
		vals[adx] = v
	}
	return vals, nil
}

func insertCmd(ctx context.Context, ses *Session, args []string) error {
	tbl, _, err := ses.lookup(args[:1])
	if err != nil {
		return err
	}
	vals, err := parseValues(tbl, args[1:])
	if err != nil {
		return err
	}

	var recNum uint32
	err = ses.run(ctx,
		func(tx *service.Transaction) error {
			var err error
			recNum, err = tbl.Insert(ctx, tx, vals)
			return err
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "inserted record %d\n", recNum)
	return nil
}

func updateCmd(ctx context.Context, ses *Session, args []string) error {
	tbl, recNum, err := ses.lookup(args)
	if err != nil {
		return err
	}
	changes := map[int]sql.Value{}
	for _, arg := range args[2:] {
		edx := strings.IndexByte(arg, '=')
		if edx <= 0 {
			return errors.Errorf("want <column>=<value>: %s", arg)
		}
		cdx, ok := tbl.ColumnNumber(arg[:edx])
		if !ok {
			return errors.Errorf("table %s: no column %s", tbl.Name(), arg[:edx])
		}
		v, err := sql.ParseValue(tbl.Columns()[cdx].Type, arg[edx+1:])
		if err != nil {
			return errors.Wrap(err, arg[:edx])
		}
		changes[cdx] = v
	}

	err = ses.run(ctx,
		func(tx *service.Transaction) error {
			return tbl.Update(ctx, tx, recNum, changes)
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "updated record %d\n", recNum)
	return nil
}

func deleteCmd(ctx context.Context, ses *Session, args []string) error {
	tbl, recNum, err := ses.lookup(args)
	if err != nil {
		return err
	}
	err = ses.run(ctx,
		func(tx *service.Transaction) error {
			return tbl.Delete(ctx, tx, recNum)
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "deleted record %d\n", recNum)
	return nil
}

func fetchCmd(ctx context.Context, ses *Session, args []string) error {
	tbl, recNum, err := ses.lookup(args)
	if err != nil {
		return err
	}
	return ses.run(ctx,
		func(tx *service.Transaction) error {
			row, err := tbl.Fetch(ctx, tx, recNum)
			if err != nil {
				return err
			}
			fmt.Fprintf(ses.w, "record %d: %s\n", recNum, formatRow(row))
			return nil
		})
}

func lockCmd(ctx context.Context, ses *Session, args []string) error {
	if err := ses.needTx(); err != nil {
		return err
	}
	tbl, recNum, err := ses.lookup(args)
	if err != nil {
		return err
	}
	err = tbl.LockRecord(ctx, ses.tx, recNum)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "locked record %d\n", recNum)
	return nil
}

func unlockCmd(ctx context.Context, ses *Session, args []string) error {
	if err := ses.needTx(); err != nil {
		return err
	}
	tbl, recNum, err := ses.lookup(args)
	if err != nil {
		return err
	}
	err = tbl.UnlockRecord(ctx, ses.tx, recNum)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "unlocked record %d\n", recNum)
	return nil
}

func keyValues(s string) []sql.Value {
	var vals []sql.Value
	for _, part := range strings.Split(s, ",") {
		vals = append(vals, sql.StringValue(part))
	}
	return vals
}

func scanCmd(ctx context.Context, ses *Session, args []string) error {
	tbl, _, err := ses.lookup(args[:1])
	if err != nil {
		return err
	}

	header := []string{"record"}
	for _, col := range tbl.Columns() {
		header = append(header, col.Name)
	}
	var rows [][]string
	fn := func(recNum uint32, row []sql.Value) error {
		strs := []string{strconv.FormatUint(uint64(recNum), 10)}
		for _, v := range row {
			if s, ok := v.(sql.StringValue); ok {
				strs = append(strs, string(s))
			} else {
				strs = append(strs, sql.Format(v))
			}
		}
		rows = append(rows, strs)
		return nil
	}

	err = ses.run(ctx,
		func(tx *service.Transaction) error {
			if len(args) == 1 {
				return tbl.Scan(ctx, tx, fn)
			}
			var low, high []sql.Value
			if len(args) > 2 {
				low = keyValues(args[2])
			}
			if len(args) > 3 {
				high = keyValues(args[3])
			}
			return tbl.ScanIndex(ctx, tx, args[1], low, high, false, fn)
		})
	if err != nil {
		return err
	}
	ses.printTable(header, rows)
	return nil
}

func versionsCmd(ctx context.Context, ses *Session, args []string) error {
	tbl, recNum, err := ses.lookup(args)
	if err != nil {
		return err
	}
	var rows [][]string
	for _, vi := range tbl.Versions(recNum) {
		commitSeq := strconv.FormatUint(vi.CommitSeq, 10)
		if vi.Pending {
			commitSeq = "pending"
		}
		rows = append(rows, []string{
			vi.State,
			strconv.FormatUint(vi.TID, 10),
			commitSeq,
			strconv.Itoa(vi.Savepoint),
			strconv.FormatUint(vi.Generation, 10),
			humanize.IBytes(uint64(vi.Size)),
			strconv.FormatBool(vi.Chilled),
			strconv.FormatBool(vi.Superseded),
		})
	}
	ses.printTable([]string{"state", "tid", "commit", "savepoint", "generation", "size",
		"chilled", "superseded"}, rows)
	return nil
}

func scavengeCmd(ctx context.Context, ses *Session, args []string) error {
	var rs *falcon.RecordScavenge
	if len(args) > 0 {
		if !strings.EqualFold(args[0], "force") {
			return errors.Errorf("usage: scavenge [force]")
		}
		rs = ses.eng.Scavenger().Force()
	} else {
		rs = ses.eng.Scavenger().Scavenge()
	}
	if rs == nil {
		fmt.Fprintln(ses.w, "record memory is below the scavenge threshold")
		return nil
	}
	fmt.Fprintf(ses.w, "pruned %d, retired %d, expunged %d, reclaimed %s\n", rs.Pruned,
		rs.Retired, rs.Expunged, humanize.IBytes(uint64(rs.ReclaimedSize)))
	return nil
}

func statsCmd(ctx context.Context, ses *Session, args []string) error {
	st := ses.eng.Stats()
	rows := [][]string{
		{"generation", humanize.Comma(int64(st.Generation))},
		{"thaws", humanize.Comma(int64(st.Thaws))},
		{"commit sequence", humanize.Comma(int64(st.Transactions.CommitSeq))},
		{"active transactions", strconv.Itoa(st.Transactions.Active)},
		{"committed", humanize.Comma(int64(st.Transactions.Committed))},
		{"rolled back", humanize.Comma(int64(st.Transactions.RolledBack))},
		{"deadlocks", humanize.Comma(int64(st.Transactions.Deadlocks))},
		{"chilled", humanize.Comma(int64(st.Transactions.Chilled))},
		{"scavenge cycles", humanize.Comma(int64(st.Scavenge.Cycles))},
		{"scavenge reclaimed", humanize.IBytes(uint64(st.Scavenge.Reclaimed))},
		{"last scavenge", st.Scavenge.LastDuration.String()},
	}
	for _, pool := range []struct {
		name   string
		active int64
		hunks  int64
		max    int64
	}{
		{st.RecordPool.Name, st.RecordPool.ActiveMemory, st.RecordPool.HunkMemory,
			st.RecordPool.MaxMemory},
		{st.GeneralPool.Name, st.GeneralPool.ActiveMemory, st.GeneralPool.HunkMemory,
			st.GeneralPool.MaxMemory},
	} {
		limit := "unlimited"
		if pool.max > 0 {
			limit = humanize.IBytes(uint64(pool.max))
		}
		rows = append(rows,
			[]string{pool.name + " pool active", humanize.IBytes(uint64(pool.active))},
			[]string{pool.name + " pool hunks", humanize.IBytes(uint64(pool.hunks))},
			[]string{pool.name + " pool max", limit})
	}

	sort.Slice(st.Tables, func(i, j int) bool {
		return st.Tables[i].Name < st.Tables[j].Name
	})
	for _, ts := range st.Tables {
		rows = append(rows, []string{
			"table " + ts.Name,
			fmt.Sprintf("%d rows, %d versions, %s", ts.Rows, ts.Versions,
				humanize.IBytes(uint64(ts.Bytes))),
		})
	}
	ses.printTable([]string{"statistic", "value"}, rows)
	return nil
}

func transactionsCmd(ctx context.Context, ses *Session, args []string) error {
	var rows [][]string
	for _, ti := range ses.eng.TransactionService().Transactions() {
		waiting := ""
		if ti.WaitingOn > 0 {
			waiting = strconv.FormatUint(ti.WaitingOn, 10)
		}
		rows = append(rows, []string{
			strconv.FormatUint(ti.TID, 10),
			ti.Isolation.String(),
			ti.State.String(),
			strconv.FormatUint(ti.StartSeq, 10),
			strconv.Itoa(ti.Records),
			humanize.IBytes(uint64(ti.Bytes)),
			waiting,
		})
	}
	ses.printTable([]string{"tid", "isolation", "state", "start", "records", "bytes",
		"waiting on"}, rows)
	return nil
}

func locksCmd(ctx context.Context, ses *Session, args []string) error {
	var rows [][]string
	for _, li := range ses.eng.Locks() {
		waiters := make([]string, 0, len(li.Waiters))
		for _, w := range li.Waiters {
			waiters = append(waiters, fmt.Sprintf("%s (%s)", w.Thread, w.Type))
		}
		rows = append(rows, []string{
			li.Name,
			li.Type.String(),
			strconv.Itoa(li.Holders),
			li.Holder,
			strings.Join(waiters, ", "),
			humanize.Comma(int64(li.Stats.SharedLocks)),
			humanize.Comma(int64(li.Stats.ExclusiveLocks)),
			humanize.Comma(int64(li.Stats.Waits)),
		})
	}
	ses.printTable([]string{"lock", "type", "holders", "holder", "waiters", "shared",
		"exclusive", "waits"}, rows)
	return nil
}

func validateCmd(ctx context.Context, ses *Session, args []string) error {
	err := ses.eng.Validate()
	if err != nil {
		return err
	}
	fmt.Fprintln(ses.w, "ok")
	return nil
}

func helpCmd(ctx context.Context, ses *Session, args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		if cmd.usage != "" {
			fmt.Fprintf(ses.w, "%s %s\n    %s\n", name, cmd.usage, cmd.help)
		} else {
			fmt.Fprintf(ses.w, "%s\n    %s\n", name, cmd.help)
		}
	}
	return nil
}
