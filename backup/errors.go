package backup

import (
	"errors"
)

// Error kinds returned by this package, matched with errors.Is. I/O failures
// (open, read, write, lock, rename) are returned as the underlying error
// without a kind of their own.
var (
	// Checksum mismatch on open, an invalid or truncated gzip member, or
	// trailing data after the last indexed chunk.
	ErrCorrupt = errors.New("backup: corrupt")

	// Non-empty data file with a missing or empty index.
	ErrReindexRequired = errors.New("backup: reindex required")

	// A command line did not parse, or timestamps went backwards during
	// reindex.
	ErrData = errors.New("backup: bad data")

	// Required configuration missing or unusable.
	ErrConfig = errors.New("backup: configuration error")

	// Unique-key violation inside an append. Duplicate message bytes for an
	// already known guid are not a conflict, they are a no-op.
	ErrConflict = errors.New("backup: conflict")

	// Index store failure that should not occur.
	ErrInternal = errors.New("backup: internal error")
)
