package simpledatastore

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned when adding an id that is already present,
	// either in the ledger or in the store.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrIDNotFound is returned when removing an id the ledger does not hold.
	ErrIDNotFound = errors.New("id not found in ledger")

	// ErrNotFound is returned when an object or file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformedName is returned when a filename cannot be decoded into an
	// id and a content hash.
	ErrMalformedName = errors.New("malformed filename")

	// ErrInconsistentState is returned when the ledger and the content files
	// disagree about which ids exist. Run reconciliation to resolve it.
	ErrInconsistentState = errors.New("ledger and content files are inconsistent")

	// ErrInvalidID is returned for negative ids.
	ErrInvalidID = errors.New("invalid id")

	// ErrInvalidLine is returned for content lines holding a line break or
	// carriage return.
	ErrInvalidLine = errors.New("line contains a line break")
)

// InconsistentError reports the two id lists that failed to match.
type InconsistentError struct {
	LedgerIDs []int64
	FileIDs   []int64
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("%s: ledger has %d entries, directory has %d files",
		ErrInconsistentState, len(e.LedgerIDs), len(e.FileIDs))
}

// Unwrap allows errors.Is(err, ErrInconsistentState).
func (e *InconsistentError) Unwrap() error {
	return ErrInconsistentState
}
