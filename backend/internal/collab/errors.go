package collab

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("collab: permission denied")
	ErrProtocol         = errors.New("collab: protocol error")
	ErrInvalidDelta     = fmt.Errorf("%w: invalid delta", ErrProtocol)
	ErrRegistryClosed   = errors.New("collab: registry closed")
	ErrBusUnavailable   = errors.New("collab: fan-out bus unavailable")
	// ErrSnapshotDeferred: held back changes cannot be captured in a snapshot.
	ErrSnapshotDeferred = errors.New("collab: snapshot deferred")
)

// PersistenceError reports a failed log append or snapshot write. The
// in-memory room state is not rolled back when it happens.
type PersistenceError struct {
	Op    string
	DocID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("collab: %s failed for doc %s: %v", e.Op, e.DocID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
