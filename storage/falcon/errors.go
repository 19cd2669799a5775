package falcon

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/leftmike/falcon/storage/service"
	"github.com/leftmike/falcon/storage/syncobj"
)

var (
	ErrUpdateConflict   = errors.New("falcon: update conflict")
	ErrUniqueDuplicate  = errors.New("falcon: unique duplicate")
	ErrRetriesExhausted = errors.New("falcon: retries exhausted")
	ErrOutOfMemory      = errors.New("falcon: out of memory")
	ErrNotFound         = errors.New("falcon: record not found")
	ErrForeignKey       = errors.New("falcon: foreign key violation")
	ErrTableExists      = errors.New("falcon: table already exists")
	ErrNoTable          = errors.New("falcon: table not found")
	ErrIndexExists      = errors.New("falcon: index already exists")
	ErrNoIndex          = errors.New("falcon: index not found")
	ErrClosed           = errors.New("falcon: engine closed")

	ErrDeadlock    = service.ErrDeadlock
	ErrLockTimeout = syncobj.ErrLockTimeout

	errReleased = errors.New("falcon: record released")
)

// TableError is an error which occurred on a table, and maybe one of its indexes.
type TableError struct {
	Table string
	Index string
	Err   error
}

func (te *TableError) Error() string {
	if te.Index != "" {
		return fmt.Sprintf("falcon: table %s: index %s: %s", te.Table, te.Index, te.Err)
	}
	return fmt.Sprintf("falcon: table %s: %s", te.Table, te.Err)
}

func (te *TableError) Unwrap() error {
	return te.Err
}

type retriesError struct {
	err      error
	attempts int
}

func (re *retriesError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %s", ErrRetriesExhausted, re.attempts, re.err)
}

func (re *retriesError) Is(err error) bool {
	return err == ErrRetriesExhausted
}

func (re *retriesError) Unwrap() error {
	return re.err
}

func (tbl *Table) error(err error) error {
	return &TableError{Table: tbl.name, Err: err}
}

func (tbl *Table) indexError(idx string, err error) error {
	return &TableError{Table: tbl.name, Index: idx, Err: err}
}

func (tbl *Table) exhausted(err error, attempts int) error {
	return tbl.error(&retriesError{err: err, attempts: attempts})
}
