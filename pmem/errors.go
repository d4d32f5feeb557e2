package pmem

import "errors"

var (
	// ErrPoolUnavailable reports that the pool file can neither be opened
	// nor created, or that its header does not describe a usable pool.
	ErrPoolUnavailable = errors.New("pmem: pool unavailable")

	// ErrPoolBusy reports an attempt to close the pool while a transaction
	// is still open.
	ErrPoolBusy = errors.New("pmem: pool busy")

	// ErrOutOfSpace reports that the heap cannot satisfy an allocation.
	ErrOutOfSpace = errors.New("pmem: out of space")

	// ErrRecovery reports that a recovery log describes a state that cannot
	// be applied, e.g. a pre-image range outside the pool bounds. The pool
	// must not be used after this error.
	ErrRecovery = errors.New("pmem: recovery inconsistency")
)
