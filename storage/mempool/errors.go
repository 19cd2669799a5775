package mempool

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrPoolExhausted = errors.New("mempool: pool exhausted")
	ErrPoolCorrupted = errors.New("mempool: pool corrupted")
)

// ExhaustedError is returned when an allocation would take a pool past its maximum memory.
type ExhaustedError struct {
	Pool      string
	Size      int
	MaxMemory int64
}

func (ee *ExhaustedError) Error() string {
	return fmt.Sprintf("mempool: %s: allocating %d bytes exceeds maximum of %d bytes", ee.Pool,
		ee.Size, ee.MaxMemory)
}

func (ee *ExhaustedError) Is(err error) bool {
	return err == ErrPoolExhausted
}

func (mp *Pool) corrupted(format string, args ...interface{}) error {
	return errors.Wrapf(ErrPoolCorrupted, "mempool: %s: %s", mp.cfg.Name,
		fmt.Sprintf(format, args...))
}
