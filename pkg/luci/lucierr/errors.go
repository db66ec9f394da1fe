// Package lucierr defines the error taxonomy shared across the luci
// filesystem packages (§7). Callers compare against the sentinels with
// errors.Is; CorruptError carries the field context a bare sentinel can't.
package lucierr

import (
	"errors"
	"fmt"
)

var (
	// ErrIO covers any device or buffer read/write failure.
	ErrIO = errors.New("luci: i/o error")

	// ErrCorrupt covers magic/CRC mismatches, out-of-range descriptor
	// fields, zero-length directory records, bad inode record sizes.
	ErrCorrupt = errors.New("luci: corrupt metadata")

	// ErrNoSpace is returned when a bitmap allocator has no free bit.
	ErrNoSpace = errors.New("luci: no space left on device")

	// ErrNoMemory covers pool/workspace/buffer allocation failure.
	ErrNoMemory = errors.New("luci: allocation failed")

	// ErrInvalidArgument covers write lengths exceeding a page and
	// unrecognized mount options.
	ErrInvalidArgument = errors.New("luci: invalid argument")

	// ErrReadOnly is returned for writes attempted on a read-only mount.
	ErrReadOnly = errors.New("luci: filesystem is read-only")

	// ErrBusy is returned when a cluster is already under writeback and
	// a conflicting grab is attempted; callers retry after a yield.
	ErrBusy = errors.New("luci: resource busy")

	// ErrNotFound is returned by directory/inode lookups that find nothing.
	ErrNotFound = errors.New("luci: not found")

	// ErrExist is returned when a create would collide with an existing name.
	ErrExist = errors.New("luci: already exists")
)

// CorruptError wraps ErrCorrupt with the field and value that failed
// validation, so mount-time failures are diagnosable without a debugger.
type CorruptError struct {
	Field string
	Got   interface{}
	Want  interface{}
}

func (e *CorruptError) Error() string {
	if e.Want != nil {
		return fmt.Sprintf("luci: corrupt metadata: %s = %v, want %v", e.Field, e.Got, e.Want)
	}
	return fmt.Sprintf("luci: corrupt metadata: %s = %v", e.Field, e.Got)
}

func (e *CorruptError) Unwrap() error {
	return ErrCorrupt
}

// Corruptf constructs a CorruptError for the named field.
func Corruptf(field string, got interface{}, want interface{}) error {
	return &CorruptError{Field: field, Got: got, Want: want}
}
