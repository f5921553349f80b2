package ledger

import "errors"

// Every rejected operation returns one of these sentinel kinds (wrapped
// with context), so callers can map failures to responses with errors.Is
// instead of inspecting internal state.
var (
	// ErrOrderingViolation means a caller-supplied timestamp precedes the
	// last committed one. Nothing is persisted.
	ErrOrderingViolation = errors.New("timestamp precedes last committed entry")

	// ErrUnknownParent means parent_id does not resolve to a persisted
	// entry.
	ErrUnknownParent = errors.New("parent entry not found")

	// ErrDuplicateID means an op_id collided with an existing entry.
	// IDs are ledger-generated, so this is an internal invariant breach
	// checked defensively rather than an expected condition.
	ErrDuplicateID = errors.New("duplicate op_id")

	// ErrSignatureFailure means the signer could not produce a signature.
	ErrSignatureFailure = errors.New("signing failed")

	// ErrBadPayload means inputs or output could not be canonicalized.
	ErrBadPayload = errors.New("payload not canonicalizable")

	// ErrNotFound means a read referenced a nonexistent op_id.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidRange means a paging or range parameter is malformed.
	ErrInvalidRange = errors.New("invalid range")

	// ErrBackendUnavailable means the storage backend could not complete
	// a read or write. The operation aborts cleanly; retry policy belongs
	// to the caller.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)
