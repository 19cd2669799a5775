package falcon

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/leftmike/falcon/sql"
	"github.com/leftmike/falcon/storage/encode"
	"github.com/leftmike/falcon/storage/service"
)

func fkValues(fk encode.ForeignKeyDef, row []sql.Value) ([]sql.Value, bool) {
	vals := make([]sql.Value, len(fk.Columns))
	for cdx, col := range fk.Columns {
		if row[col] == nil {
			return nil, false
		}
		vals[cdx] = row[col]
	}
	return vals, true
}

func sameValues(vals1, vals2 []sql.Value) bool {
	if len(vals1) != len(vals2) {
		return false
	}
	for vdx := range vals1 {
		if !sql.Equal(vals1[vdx], vals2[vdx]) {
			return false
		}
	}
	return true
}

// checkForeignKeys checks that each foreign key of newRow, unless it has a NULL or is
// unchanged from oldRow, refers to a row which tx can see.
func (tbl *Table) checkForeignKeys(ctx context.Context, tx *service.Transaction,
	oldRow, newRow []sql.Value) error {

	for _, fk := range tbl.foreignKeys {
		vals, ok := fkValues(fk, newRow)
		if !ok {
			continue
		}
		if oldRow != nil {
			if oldVals, ok := fkValues(fk, oldRow); ok && sameValues(vals, oldVals) {
				continue
			}
		}

		ref, err := tbl.eng.LookupTable(fk.RefTable)
		if err != nil {
			return tbl.error(err)
		}
		found := false
		err = ref.ScanIndex(ctx, tx, fk.RefIndex, vals, vals, false,
			func(recNum uint32, row []sql.Value) error {
				found = true
				return io.EOF
			})
		if err != nil {
			return err
		} else if !found {
			return tbl.error(errors.Wrapf(ErrForeignKey, "%s: no row in %s", fk.Name,
				fk.RefTable))
		}
	}
	return nil
}

// referencing calls fn with each row of the child of ref which tx can see and which refers
// to the key vals.
func (ref reference) referencing(ctx context.Context, tx *service.Transaction,
	vals []sql.Value, fn func(recNum uint32) error) error {

	var recNums []uint32
	err := ref.child.Scan(ctx, tx,
		func(recNum uint32, row []sql.Value) error {
			if childVals, ok := fkValues(ref.fk, row); ok && sameValues(vals, childVals) {
				recNums = append(recNums, recNum)
			}
			return nil
		})
	if err != nil {
		return err
	}
	for _, recNum := range recNums {
		err = fn(recNum)
		if err != nil {
			return err
		}
	}
	return nil
}

func (tbl *Table) referencedValues(ref reference, row []sql.Value) ([]sql.Value, bool) {
	idx := tbl.lookupIndex(ref.fk.RefIndex)
	if idx == nil {
		return nil, false
	}
	vals := make([]sql.Value, len(idx.Key()))
	for kdx, ck := range idx.Key() {
		if row[ck.Column()] == nil {
			return nil, false
		}
		vals[kdx] = row[ck.Column()]
	}
	return vals, true
}

// applyDeleteRules restricts, cascades, or sets to NULL the rows which refer to row.
func (tbl *Table) applyDeleteRules(ctx context.Context, tx *service.Transaction,
	row []sql.Value) error {

	for _, ref := range tbl.references() {
		vals, ok := tbl.referencedValues(ref, row)
		if !ok {
			continue
		}
		err := ref.referencing(ctx, tx, vals,
			func(recNum uint32) error {
				switch ref.fk.OnDelete {
				case encode.Cascade:
					return ref.child.Delete(ctx, tx, recNum)
				case encode.SetNull:
					changes := map[int]sql.Value{}
					for _, col := range ref.fk.Columns {
						changes[col] = nil
					}
					return ref.child.Update(ctx, tx, recNum, changes)
				}
				return ref.child.error(errors.Wrapf(ErrForeignKey,
					"%s: record %d refers to %s", ref.fk.Name, recNum, tbl.name))
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// checkReferencedUpdate fails an update which changes a key that other rows refer to.
func (tbl *Table) checkReferencedUpdate(ctx context.Context, tx *service.Transaction,
	oldRow, newRow []sql.Value) error {

	for _, ref := range tbl.references() {
		oldVals, ok := tbl.referencedValues(ref, oldRow)
		if !ok {
			continue
		}
		if newVals, ok := tbl.referencedValues(ref, newRow); ok && sameValues(oldVals, newVals) {
			continue
		}
		err := ref.referencing(ctx, tx, oldVals,
			func(recNum uint32) error {
				return ref.child.error(errors.Wrapf(ErrForeignKey,
					"%s: record %d refers to %s", ref.fk.Name, recNum, tbl.name))
			})
		if err != nil {
			return err
		}
	}
	return nil
}
