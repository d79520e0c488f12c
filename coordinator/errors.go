package coordinator

import "fmt"

// FatalError surfaces out of Synchronizer.Run when no further recovery is
// possible: the synchronizer has already tried (best-effort; a failed
// write is only logged) to CAS self to cluster.Error and is giving up,
// per §7's Fatal category ("the only failure that surfaces
// externally, by the loop exiting").
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("coordinator: fatal: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }
