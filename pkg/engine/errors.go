package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage wraps every fault raised by pebble.
	ErrStorage    = errors.New("engine: storage fault")
	ErrClosed     = errors.New("engine: database closed")
	ErrReadOnly   = errors.New("engine: database is read-only")
	ErrInvalidKey = errors.New("engine: collection, key and extension names must not contain NUL")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
