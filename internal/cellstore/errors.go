package cellstore

import "errors"

// Error taxonomy shared by every component that touches a sample store.
var (
	// ErrNotFound reports a missing sample, store or referenced file.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable reports a store that exists but stayed locked after
	// exhausting the busy-retry loop. Retrying later may succeed.
	ErrUnavailable = errors.New("store unavailable")
	// ErrMalformed reports an input file whose header or row layout does
	// not match the expected export format.
	ErrMalformed = errors.New("malformed input")
	// ErrConflict reports an operation rejected because a batch job or
	// another build is in progress for the sample.
	ErrConflict = errors.New("operation conflicts with a running job")
)
